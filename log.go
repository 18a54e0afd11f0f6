package bonsai

import "github.com/ethereum/go-ethereum/log"

// newLogger binds to the root logger at call time, so a handler installed
// with log.SetDefault after package init still applies.
func newLogger() log.Logger {
	return log.New("pkg", "bonsai")
}
