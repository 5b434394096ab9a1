// =============================================================================
// 文件: auth_test.go
// 描述: 认证测试 - 免认证与口令认证
// =============================================================================
package reludp

import "testing"

func TestNoAuth(t *testing.T) {
	auth := NoAuth{}

	challenge, err := auth.GetChallengeFor(0)
	if err != nil {
		t.Fatalf("生成挑战失败: %v", err)
	}
	if len(challenge) != 0 {
		t.Errorf("免认证挑战应为空: got %v", challenge)
	}

	ok, err := auth.Authenticate(0, challenge, EchoResponder(challenge))
	if err != nil || !ok {
		t.Errorf("免认证任何应答都应通过: ok=%v err=%v", ok, err)
	}
}

func TestPasswordAuthenticator(t *testing.T) {
	auth, err := NewPasswordAuthenticator("goodpassword")
	if err != nil {
		t.Fatalf("创建认证器失败: %v", err)
	}

	challenge, _ := auth.GetChallengeFor(0)

	ok, err := auth.Authenticate(0, challenge, PasswordResponder("goodpassword")(challenge))
	if err != nil {
		t.Fatalf("认证出错: %v", err)
	}
	if !ok {
		t.Error("正确口令应通过")
	}

	ok, err = auth.Authenticate(0, challenge, PasswordResponder("thewrongpassword")(challenge))
	if err != nil {
		t.Fatalf("认证出错: %v", err)
	}
	if ok {
		t.Error("错误口令不应通过")
	}
}
