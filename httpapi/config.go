package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// AccountHeader names the request header carrying the account id.
	// Defaults to X-Account.
	AccountHeader string
}

const defaultAccountHeader = "X-Account"

func (c Config) accountHeader() string {
	if c.AccountHeader == "" {
		return defaultAccountHeader
	}
	return c.AccountHeader
}
