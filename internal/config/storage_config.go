package config

type StorageKind string

const (
	StorageMemory StorageKind = "memory"
	StorageFile   StorageKind = "file"
	StorageValkey StorageKind = "valkey"
)

type StorageConfig interface {
	GetSessionStore() StorageKind
	GetSessionFile() string
	GetSessionKey() string
	GetValkeyAddr() string
	GetValkeyPrefix() string
	GetSessionAccount() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetSessionStore() StorageKind {
	return StorageKind(GetEnv("SESSION_STORE", string(StorageMemory)))
}

func (Storage) GetSessionFile() string {
	return GetEnv("SESSION_FILE", "./data/session.sealed")
}

// GetSessionKey returns the hex encoded 32 byte key sealing the session file.
func (Storage) GetSessionKey() string {
	return GetEnv("SESSION_KEY", "")
}

func (Storage) GetValkeyAddr() string {
	return GetEnv("VALKEY_ADDR", "127.0.0.1:6379")
}

func (Storage) GetValkeyPrefix() string {
	return GetEnv("VALKEY_PREFIX", "brewmate")
}

// GetSessionAccount names whose session the shared store holds.
func (Storage) GetSessionAccount() string {
	return GetEnv("SESSION_ACCOUNT", "default")
}
