package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aesKeySize   = 32     // AES-256
	saltSize     = 32     // salt size for PBKDF2
	pbkdf2Rounds = 100000 // PBKDF2 iteration count
)

// envelope is an encrypted identity entry as written by both backends. A
// fresh salt per entry means two wallets sharing a master password never
// share derived keys.
type envelope struct {
	ID            string    `json:"id"`
	EncryptedData []byte    `json:"encryptedData"` // AES-GCM ciphertext of a record
	Nonce         []byte    `json:"nonce"`
	Salt          []byte    `json:"salt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// seal serializes and encrypts an identity under the master password.
func seal(id *Identity, password string) ([]byte, error) {
	plaintext, err := marshalIdentity(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet entry: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := envelope{
		ID:            id.ID,
		EncryptedData: gcm.Seal(nil, nonce, plaintext, nil),
		Nonce:         nonce,
		Salt:          salt,
		CreatedAt:     time.Now(),
	}
	return json.Marshal(env)
}

// open decrypts an envelope back into an Identity.
func open(data []byte, password string) (*Identity, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet envelope: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(password, env.Salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.EncryptedData, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt wallet entry (wrong master password?): %w", err)
	}

	return unmarshalIdentity(plaintext)
}

// deriveKey derives the AES key from the master password via PBKDF2.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, aesKeySize, sha256.New)
}
