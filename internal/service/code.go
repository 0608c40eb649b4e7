package service

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	codeMin = 100000
	codeMax = 999999
)

// CodeGenerator produces 6-digit OTP codes.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodeGenerator draws codes uniformly from [100000, 999999] using crypto/rand.
type RandomCodeGenerator struct{}

func (RandomCodeGenerator) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

// CodeProtector controls how a code is held in the store and how a submitted
// code is compared with it.
type CodeProtector interface {
	Seal(code string) (string, error)
	Match(sealed, submitted string) bool
}

// PlainProtector stores the code as is and compares with ==.
// The comparison is not constant time.
type PlainProtector struct{}

func (PlainProtector) Seal(code string) (string, error) {
	return code, nil
}

func (PlainProtector) Match(sealed, submitted string) bool {
	return sealed == submitted
}

// BcryptProtector stores a bcrypt hash of the code.
type BcryptProtector struct {
	Cost int
}

func (p BcryptProtector) Seal(code string) (string, error) {
	cost := p.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}
	return string(hashed), nil
}

func (BcryptProtector) Match(sealed, submitted string) bool {
	return bcrypt.CompareHashAndPassword([]byte(sealed), []byte(submitted)) == nil
}
