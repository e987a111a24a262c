package schema

import "errors"

var (
	// ErrInstanceNotFound indicates no instance record exists for the id.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrInstanceExpired indicates the instance subscription has lapsed.
	ErrInstanceExpired = errors.New("instance expired; renew to continue")
	// ErrInstanceLimit indicates the account's instance cap is reached.
	ErrInstanceLimit = errors.New("instance limit reached for account")
	// ErrInvalidPath indicates an absolute or traversal-carrying path.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidStartCommand indicates a start command outside the allow-list.
	ErrInvalidStartCommand = errors.New("invalid startup command; only npm start (optional entry file) or node <file> is allowed")
	// ErrInvalidEntryFile indicates an unsafe or malformed entry file path.
	ErrInvalidEntryFile = errors.New("invalid entry file path")
	// ErrEntryFileMissing indicates the named entry file is absent on disk.
	ErrEntryFileMissing = errors.New("entry file does not exist")
	// ErrManifestMissing indicates package.json is required but absent.
	ErrManifestMissing = errors.New("package.json is required for npm start mode; use node <file> instead")
	// ErrStartScriptMissing indicates package.json lacks a start script.
	ErrStartScriptMissing = errors.New("missing start script in package.json; use node <file> or add a start script")
	// ErrFileTooLarge indicates a single file exceeds the byte ceiling.
	ErrFileTooLarge = errors.New("file too large")
	// ErrStorageLimit indicates the total filesystem byte ceiling is exceeded.
	ErrStorageLimit = errors.New("storage limit reached")
	// ErrFileNotFound indicates no file record exists for the path.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidEnvKey indicates an env var key outside the allowed pattern.
	ErrInvalidEnvKey = errors.New("invalid env var key")
	// ErrEnvValueTooLong indicates an env var value over the length ceiling.
	ErrEnvValueTooLong = errors.New("env var value too long")
	// ErrTooManyEnvVars indicates the env var count cap is exceeded.
	ErrTooManyEnvVars = errors.New("too many env vars")
	// ErrInvalidNodeVersion indicates a runtime tag outside the allow-list.
	ErrInvalidNodeVersion = errors.New("invalid node version selected")
)
