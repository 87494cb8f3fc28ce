package binding

import (
	"crypto/rand"
	"math/big"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
)

const (
	digits  = "0123456789"
	upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lower   = "abcdefghijklmnopqrstuvwxyz"
	letters = upper + lower
	mixed   = letters + digits
)

// Alphabet 返回验证码模式对应的字符集，未知模式按 mixed 处理
func Alphabet(mode string) string {
	switch mode {
	case model.CodeModeNumber:
		return digits
	case model.CodeModeLetter:
		return letters
	case model.CodeModeUpper:
		return upper
	case model.CodeModeLower:
		return lower
	default:
		return mixed
	}
}

func randomCode(alphabet string, length int) (string, error) {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
