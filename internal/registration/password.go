package registration

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	passwordLength = 16
	lowerChars     = "abcdefghijklmnopqrstuvwxyz"
	upperChars     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars     = "0123456789"
	specialChars   = "!@#$%^&*"
)

// GeneratePassword returns a 16-character password with at least one
// lowercase letter, uppercase letter, digit and special character.
func GeneratePassword() (string, error) {
	all := lowerChars + upperChars + digitChars + specialChars
	buf := make([]byte, 0, passwordLength)
	for _, set := range []string{lowerChars, upperChars, digitChars, specialChars} {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < passwordLength {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	// Fisher-Yates so the required classes are not always up front.
	for i := len(buf) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffle password: %w", err)
		}
		buf[i], buf[j.Int64()] = buf[j.Int64()], buf[i]
	}
	return string(buf), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("generate password: %w", err)
	}
	return set[n.Int64()], nil
}
