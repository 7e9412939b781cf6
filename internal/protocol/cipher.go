package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// BlockSize AES 分组长度
const BlockSize = aes.BlockSize

var (
	errInvalidCiphertext = errors.New("invalid ciphertext length")
	errInvalidPadding    = errors.New("invalid PKCS7 padding")
)

// ecbCipher AES-128-ECB + PKCS#7。会话密钥在连接生命周期内不变，无 IV。
type ecbCipher struct {
	block cipher.Block
}

func newECBCipher(key []byte) (*ecbCipher, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("aes key must be 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ecbCipher{block: block}, nil
}

func (c *ecbCipher) encrypt(plain []byte) []byte {
	pad := BlockSize - len(plain)%BlockSize
	out := make([]byte, len(plain)+pad)
	copy(out, plain)
	for i := len(plain); i < len(out); i++ {
		out[i] = byte(pad)
	}
	for i := 0; i < len(out); i += BlockSize {
		c.block.Encrypt(out[i:i+BlockSize], out[i:i+BlockSize])
	}
	return out
}

func (c *ecbCipher) decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, errInvalidCiphertext
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		c.block.Decrypt(out[i:i+BlockSize], data[i:i+BlockSize])
	}
	pad := int(out[len(out)-1])
	if pad == 0 || pad > BlockSize {
		return nil, errInvalidPadding
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errInvalidPadding
		}
	}
	return out[:len(out)-pad], nil
}
