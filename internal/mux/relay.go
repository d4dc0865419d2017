package mux

import (
	"io"
	"sync"
)

// Relay copies a->b and b->a concurrently. When either direction ends both
// sides are closed, which unblocks the other copy loop. It returns the byte
// counts once both loops have exited.
func Relay(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB, _ = io.Copy(b, a)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		bToA, _ = io.Copy(a, b)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return aToB, bToA
}
