package common

import (
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrorInvalidConnectionAddress = errors.New("invalid connection address")
	ErrorInvalidAmount            = errors.New("invalid amount")
)

func SplitConnectionAddress(address string) (ip string, port int, err error) {
	splited := strings.Split(address, ":")
	if len(splited) != 2 {
		return "", 0, ErrorInvalidConnectionAddress
	}
	intPort, err := strconv.Atoi(splited[1])
	if err != nil {
		return "", 0, err
	}
	if intPort <= 0 || intPort > 65535 {
		return "", 0, ErrorInvalidConnectionAddress
	}
	return splited[0], intPort, nil
}

// StringToUint256 parses a decimal or 0x-prefixed hexadecimal amount.
func StringToUint256(str string) (*uint256.Int, error) {
	bigInt, ok := new(big.Int).SetString(str, 0)
	if !ok || bigInt.Sign() < 0 {
		return nil, ErrorInvalidAmount
	}
	v, overflow := uint256.FromBig(bigInt)
	if overflow {
		return nil, ErrorInvalidAmount
	}
	return v, nil
}
