// =============================================================================
// 文件: auth.go
// 描述: 认证 - 服务端认证器接口与内置实现
// =============================================================================
package reludp

import (
	"golang.org/x/crypto/bcrypt"
)

// Authenticator 服务端消费的认证器。两个方法都可能在握手期间
// 被并发调用，实现必须是并发安全的。
type Authenticator interface {
	// GetChallengeFor 为对端生成挑战，可以为空。
	// 认证前对端的 clientID 为 0。
	GetChallengeFor(clientID uint64) ([]byte, error)

	// Authenticate 校验对端对挑战的应答
	Authenticate(clientID uint64, challenge, response []byte) (bool, error)
}

// ChallengeResponder 客户端消费的挑战应答回调
type ChallengeResponder func(challenge []byte) []byte

// NoAuth 免认证：空挑战，任何应答都通过。
// 握手仍然完整经过四个状态。
type NoAuth struct{}

// GetChallengeFor 实现 Authenticator
func (NoAuth) GetChallengeFor(clientID uint64) ([]byte, error) {
	return nil, nil
}

// Authenticate 实现 Authenticator
func (NoAuth) Authenticate(clientID uint64, challenge, response []byte) (bool, error) {
	return true, nil
}

// EchoResponder 免认证客户端的默认应答：原样返回挑战
func EchoResponder(challenge []byte) []byte {
	return challenge
}

// PasswordAuthenticator 口令认证。服务端只保存 bcrypt 散列，
// 对端应答携带明文口令与散列比对。
type PasswordAuthenticator struct {
	hash []byte
}

// NewPasswordAuthenticator 从明文口令创建认证器
func NewPasswordAuthenticator(password string) (*PasswordAuthenticator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &PasswordAuthenticator{hash: hash}, nil
}

// GetChallengeFor 实现 Authenticator。口令模式不需要挑战内容。
func (a *PasswordAuthenticator) GetChallengeFor(clientID uint64) ([]byte, error) {
	return nil, nil
}

// Authenticate 实现 Authenticator
func (a *PasswordAuthenticator) Authenticate(clientID uint64, challenge, response []byte) (bool, error) {
	err := bcrypt.CompareHashAndPassword(a.hash, response)
	return err == nil, nil
}

// PasswordResponder 口令认证客户端的应答回调
func PasswordResponder(password string) ChallengeResponder {
	return func(challenge []byte) []byte {
		return []byte(password)
	}
}
