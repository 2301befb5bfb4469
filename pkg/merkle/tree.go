package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyTree    = errors.New("merkle: tree has no leaves")
	ErrTreeNotBuilt = errors.New("merkle: tree not built")
)

// InvalidIndexError reports a proof request outside [0, leafCount).
type InvalidIndexError struct {
	Index     int
	LeafCount int
}

func (e *InvalidIndexError) Error() string {
	return fmt.Sprintf("merkle: index %d outside [0, %d)", e.Index, e.LeafCount)
}

// Position tags which side of the concatenation a sibling sits on.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling  []byte   `json:"sibling"`
	Position Position `json:"position"`
}

// Tree is an append-then-build Merkle accumulator over SHA3-256. Leaf
// order is canonical record order. After Build the tree is an
// immutable snapshot; changing the leaf set means a new tree.
type Tree struct {
	leaves [][]byte
	levels [][][]byte
	built  bool
}

func New() *Tree {
	return &Tree{}
}

// AddLeaf appends a leaf hash. Calling it after Build resets the
// built state so a stale root cannot be served.
func (t *Tree) AddLeaf(h []byte) {
	leaf := make([]byte, len(h))
	copy(leaf, h)
	t.leaves = append(t.leaves, leaf)
	t.built = false
	t.levels = nil
}

func (t *Tree) LeafCount() int { return len(t.leaves) }

// Height is the number of levels including the leaf level. Zero until
// Build succeeds.
func (t *Tree) Height() int { return len(t.levels) }

// Build derives every level up to the root. An odd leaf count
// duplicates the last leaf once; an unmatched trailing node at any
// higher level is paired with itself.
func (t *Tree) Build() ([]byte, error) {
	if len(t.leaves) == 0 {
		return nil, ErrEmptyTree
	}
	base := make([][]byte, len(t.leaves))
	copy(base, t.leaves)
	if len(base)%2 == 1 {
		base = append(base, base[len(base)-1])
	}
	t.levels = [][][]byte{base}
	for level := base; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, combine(level[i], right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.built = true
	return t.Root()
}

// Root returns the built root hash.
func (t *Tree) Root() ([]byte, error) {
	if !t.built {
		return nil, ErrTreeNotBuilt
	}
	top := t.levels[len(t.levels)-1]
	root := make([]byte, len(top[0]))
	copy(root, top[0])
	return root, nil
}

// Proof returns the inclusion path for the leaf at index. The proof is
// valid only against the root this tree was built to.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if !t.built {
		return nil, ErrTreeNotBuilt
	}
	if index < 0 || index >= len(t.leaves) {
		return nil, &InvalidIndexError{Index: index, LeafCount: len(t.leaves)}
	}
	var steps []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			// Unmatched trailing node was paired with itself.
			sibling = index
		}
		pos := Right
		if index%2 == 1 {
			pos = Left
		}
		h := make([]byte, len(level[sibling]))
		copy(h, level[sibling])
		steps = append(steps, ProofStep{Sibling: h, Position: pos})
		index /= 2
	}
	return steps, nil
}

// VerifyProof folds the proof from leaf to root and compares the
// result to root bit-exactly. It is pure and needs no tree.
func VerifyProof(leafHash []byte, proof []ProofStep, root []byte) bool {
	current := leafHash
	for _, step := range proof {
		if step.Position == Left {
			current = combine(step.Sibling, current)
		} else {
			current = combine(current, step.Sibling)
		}
	}
	return bytes.Equal(current, root)
}

// HashLeaf hashes raw leaf material into the tree's hash domain.
func HashLeaf(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

func combine(left, right []byte) []byte {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	sum := sha3.Sum256(buf)
	return sum[:]
}
