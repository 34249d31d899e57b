package tempest

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

// Signer produces a signature over data. Adapted from the teacher's
// crypto.go HMACSigner/RSASigner, generalized behind an interface so the
// serializer can treat HMAC and RSA signing uniformly (spec.md §4.4:
// "authenticated messages are signed with either a shared HMAC secret or
// an RSA keypair, selected during the handshake").
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a signature produced by the corresponding Signer.
type Verifier interface {
	Verify(data, signature []byte) error
}

// HMACSigner implements HMAC-SHA256 signing (spec.md §4.4).
type HMACSigner struct{ secret []byte }

func NewHMACSigner(secret []byte) *HMACSigner { return &HMACSigner{secret: secret} }

func (h *HMACSigner) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// HMACVerifier implements HMAC-SHA256 verification.
type HMACVerifier struct{ secret []byte }

func NewHMACVerifier(secret []byte) *HMACVerifier { return &HMACVerifier{secret: secret} }

func (h *HMACVerifier) Verify(data, signature []byte) error {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), signature) {
		return ErrInvalidSignature
	}
	return nil
}

// RSASigner implements RSA-SHA256 signing, used only during the handshake
// exchange before a shared HMAC secret exists (spec.md §4.8).
type RSASigner struct{ privateKey *rsa.PrivateKey }

func NewRSASigner(privateKey *rsa.PrivateKey) *RSASigner { return &RSASigner{privateKey: privateKey} }

func (r *RSASigner) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, r.privateKey, crypto.SHA256, hash[:])
}

// RSAVerifier implements RSA-SHA256 verification.
type RSAVerifier struct{ publicKey *rsa.PublicKey }

func NewRSAVerifier(publicKey *rsa.PublicKey) *RSAVerifier { return &RSAVerifier{publicKey: publicKey} }

func (r *RSAVerifier) Verify(data, signature []byte) error {
	hash := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(r.publicKey, crypto.SHA256, hash[:], signature); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateRSAKeyPair generates the RSA keypair a peer advertises during
// the handshake for session-key wrapping (spec.md §4.8).
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	return priv, &priv.PublicKey, nil
}

// GenerateAESKey produces a fresh random AES-256 session key (spec.md
// §4.8: "the initiator generates a symmetric session key").
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// WrapKey encrypts key under pub with RSA-OAEP, for transmission during
// the handshake (spec.md §4.8: "the session key is wrapped under the
// recipient's RSA public key").
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// UnwrapKey decrypts a key wrapped by WrapKey.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
}

// EncryptAESCBC encrypts plaintext under key using AES-CBC with PKCS7
// padding and a random IV (spec.md §4.4: "encrypted payloads are
// protected with AES-CBC; a fresh IV accompanies every frame"). The
// returned IV must travel in the frame header.
func EncryptAESCBC(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv = make([]byte, aes.BlockSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, err
	}
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

// DecryptAESCBC reverses EncryptAESCBC.
func DecryptAESCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidMessage
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidMessage
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrInvalidMessage
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidMessage
		}
	}
	return data[:len(data)-padLen], nil
}
