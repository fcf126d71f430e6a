package token

import (
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"
)

const (
	credentialsBucket  = "api_credentials"
	serviceStateBucket = "service_state"

	maintenanceKey = "maintenance_mode"
)

// ErrNoCredentials is returned when a user has no stored credentials.
var ErrNoCredentials = errors.New("no stored credentials for user")

// Credentials is one user's stored OAuth material, decrypted.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// credentialsDTO is used for JSON serialization. Token fields hold the
// encrypted form.
type credentialsDTO struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
}

// Store persists credentials and the maintenance flag in BoltDB, encrypting
// token values at rest.
type Store struct {
	db     *bbolt.DB
	cipher *Cipher
}

// NewStore creates a BoltDB-backed credential store.
// It initializes the required buckets if they don't exist.
func NewStore(db *bbolt.DB, cipher *Cipher) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if cipher == nil {
		return nil, errors.New("cipher cannot be nil")
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(credentialsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(serviceStateBucket))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Get retrieves and decrypts a user's credentials.
func (s *Store) Get(userID string) (Credentials, error) {
	var creds Credentials

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return errors.New("credentials bucket not found")
		}

		data := bucket.Get([]byte(userID))
		if data == nil {
			return ErrNoCredentials
		}

		var dto credentialsDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return err
		}

		access, err := s.cipher.Decrypt(dto.AccessToken)
		if err != nil {
			return err
		}
		refresh, err := s.cipher.Decrypt(dto.RefreshToken)
		if err != nil {
			return err
		}

		expiresAt, err := time.Parse(time.RFC3339, dto.ExpiresAt)
		if err != nil {
			return err
		}

		creds = Credentials{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    expiresAt,
		}
		return nil
	})

	return creds, err
}

// Put encrypts and persists a user's credentials. Legacy plaintext records
// become encrypted on their next write through this path.
func (s *Store) Put(userID string, creds Credentials) error {
	access, err := s.cipher.Encrypt(creds.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.Encrypt(creds.RefreshToken)
	if err != nil {
		return err
	}

	data, err := json.Marshal(credentialsDTO{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    creds.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return errors.New("credentials bucket not found")
		}
		return bucket.Put([]byte(userID), data)
	})
}

// Delete removes a user's credentials. Deleting a missing record is not an
// error.
func (s *Store) Delete(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return errors.New("credentials bucket not found")
		}
		return bucket.Delete([]byte(userID))
	})
}

// SetMaintenance persists the maintenance-mode flag.
func (s *Store) SetMaintenance(enabled bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(serviceStateBucket))
		if bucket == nil {
			return errors.New("service state bucket not found")
		}
		val := []byte("0")
		if enabled {
			val = []byte("1")
		}
		return bucket.Put([]byte(maintenanceKey), val)
	})
}

// Maintenance reports whether maintenance mode is enabled.
func (s *Store) Maintenance() (bool, error) {
	var enabled bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(serviceStateBucket))
		if bucket == nil {
			return errors.New("service state bucket not found")
		}
		enabled = string(bucket.Get([]byte(maintenanceKey))) == "1"
		return nil
	})
	return enabled, err
}

// Ping checks if the database is accessible and operational.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(credentialsBucket)) == nil {
			return errors.New("credentials bucket not found")
		}
		return nil
	})
}
