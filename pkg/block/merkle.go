package block

import (
	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// ComputeMerkleRoot folds transaction hashes pairwise into one root. An
// odd level pairs its last hash with itself. No hashes give the zero
// hash and a single hash is its own root. The input is not modified.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	switch len(txHashes) {
	case 0:
		return types.Hash{}
	case 1:
		return txHashes[0]
	}

	level := append([]types.Hash(nil), txHashes...)
	for n := len(level); n > 1; n = (n + 1) / 2 {
		for i := 0; i < n; i += 2 {
			right := level[i]
			if i+1 < n {
				right = level[i+1]
			}
			level[i/2] = crypto.HashConcat(level[i], right)
		}
	}
	return level[0]
}
