//go:build !unix

package ledger

// processAlive cannot probe processes here, so every owner counts as alive
// and a leftover lock must be removed by hand.
func processAlive(pid int) bool {
	return true
}
