package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// pinCost is above bcrypt.DefaultCost because PINs are short numeric
// secrets with little entropy of their own.
const pinCost = 12

// ValidPINFormat reports whether pin is 4 to 8 digits.
func ValidPINFormat(pin string) bool {
	if len(pin) < 4 || len(pin) > 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// HashPIN hashes a wallet PIN using bcrypt
func HashPIN(pin string, cost ...int) (string, error) {
	bcryptCost := pinCost
	if len(cost) > 0 {
		bcryptCost = cost[0]
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcryptCost)
	return string(bytes), err
}

// CheckPIN compares a PIN with its stored hash
func CheckPIN(pin, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
	return err == nil
}
