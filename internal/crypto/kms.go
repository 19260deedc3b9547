// Package crypto seals change payloads at rest.
package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// MaxPlaintext is the largest payload KMS encrypts directly.
const MaxPlaintext = 4096

// ErrPayloadTooLarge is returned for plaintexts above MaxPlaintext.
var ErrPayloadTooLarge = errors.New("payload too large to seal")

// Sealer encrypts and decrypts payloads bound to an encryption context. Open
// fails unless it is given the context used by Seal.
type Sealer interface {
	Seal(ctx context.Context, plaintext string, scope map[string]string) (string, error)
	Open(ctx context.Context, sealed string, scope map[string]string) (string, error)
}

// KMSAPI is the subset of *kms.Client methods used by KMSService.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements Sealer using AWS KMS.
type KMSService struct {
	client KMSAPI
	keyID  string
}

// NewKMSService creates a new KMSService.
// keyID can be a key ID, key ARN, or alias name (e.g., "alias/cadsync-ledger-key").
func NewKMSService(client KMSAPI, keyID string) *KMSService {
	return &KMSService{
		client: client,
		keyID:  keyID,
	}
}

// Seal encrypts the plaintext under the configured key and scope.
// Returns base64 encoded ciphertext.
func (s *KMSService) Seal(ctx context.Context, plaintext string, scope map[string]string) (string, error) {
	if len(plaintext) > MaxPlaintext {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyID),
		Plaintext:         []byte(plaintext),
		EncryptionContext: scope,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(result.CiphertextBlob), nil
}

// Open decrypts the base64 encoded ciphertext using KMS.
func (s *KMSService) Open(ctx context.Context, sealed string, scope map[string]string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    decoded,
		KeyId:             aws.String(s.keyID),
		EncryptionContext: scope,
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return string(result.Plaintext), nil
}
