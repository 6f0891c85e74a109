package config

// ConfigBackend is where `parley config set` values live between runs.
// macOS keeps them in UserDefaults (via the `defaults` CLI); other
// platforms use an XDG config file. Secrets never go through here, the
// Keychain interface handles those.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
