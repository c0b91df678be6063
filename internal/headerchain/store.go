// Package headerchain implements spec.md section 4.C: the in-memory
// header graph (HeaderStore/Blockchain), best-chain selection by
// cumulative proof-of-work, and reorganization.
//
// Grounded on gocoin's lib/chain/chain_tree.go (BlockTreeNode parent/
// child graph) and lib/chain/chain_diff.go (MorePOW cumulative-work
// comparison), adapted from gocoin's incremental single-tip-advance
// model to the spec's "recompute best tip among all known tips" model,
// since this indexer only reads and ranks headers — it never validates
// or extends the chain itself.
package headerchain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/gocoin/blkindexer/internal/blockfile"
	"github.com/gocoin/blkindexer/internal/rawblock"
)

// Node is one header in the in-memory graph: known to the store whether
// or not it is on the canonical best chain.
type Node struct {
	Hash     [32]byte
	Header   rawblock.Header
	Height   uint32
	Parent   *Node
	Children []*Node

	// Pos is set exactly once, the first time the header's on-disk
	// location becomes known (spec.md section 3 invariant).
	Pos    blockfile.Position
	posSet bool

	// work is this node's own block's contribution (not cumulative);
	// cumulative work is computed by walking Parent during chain
	// selection, same as gocoin's MorePOW.
	work *big.Int

	// seq orders insertion for the earliest-seen tie-break rule.
	seq uint64
}

// HasPosition reports whether this node's (file, offset) has been set.
func (n *Node) HasPosition() bool { return n.posSet }

// ReorganizationState reports the result of Organize(): whether the
// best tip changed and, if so, where the new best chain diverges from
// the previous one.
type ReorganizationState struct {
	HasNewTop        bool
	ReorgBranchPoint *uint32
}

// Store is the HeaderStore/Blockchain of spec.md section 4.C.
type Store struct {
	mu sync.RWMutex

	byHash   map[[32]byte]*Node
	byHeight map[uint32]*Node // canonical best chain only

	genesis *Node
	top     *Node

	nextSeq uint64
}

// New creates a Store preloaded with the genesis header. Genesis is
// always present, even in a fresh store — spec.md section 4.D relies on
// this to still need genesis's on-disk position stamped in.
func New(genesisHash [32]byte, genesisHeader rawblock.Header) *Store {
	s := &Store{
		byHash:   make(map[[32]byte]*Node),
		byHeight: make(map[uint32]*Node),
	}
	g := &Node{Hash: genesisHash, Header: genesisHeader, Height: 0, work: workFromBits(genesisHeader.Bits)}
	s.genesis = g
	s.byHash[genesisHash] = g
	s.byHeight[0] = g
	s.top = g
	return s
}

// ErrUnknownParent is returned by AddHeader when the header's
// prev-hash does not name an already-known header.
type ErrUnknownParent struct{ PrevHash [32]byte }

func (e *ErrUnknownParent) Error() string {
	return fmt.Sprintf("headerchain: unknown parent %x", e.PrevHash)
}

// AddHeader inserts a header by hash; idempotent — re-adding a known
// hash is a no-op and returns the existing node. The header's parent
// must already be known (every header other than genesis names one, by
// spec.md section 3's invariant).
func (s *Store) AddHeader(hash [32]byte, h rawblock.Header) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[hash]; ok {
		return existing, nil
	}

	parent, ok := s.byHash[h.PrevHash]
	if !ok {
		return nil, &ErrUnknownParent{PrevHash: h.PrevHash}
	}

	n := &Node{
		Hash:   hash,
		Header: h,
		Height: parent.Height + 1,
		Parent: parent,
		work:   workFromBits(h.Bits),
		seq:    s.nextSeq,
	}
	s.nextSeq++
	parent.Children = append(parent.Children, n)
	s.byHash[hash] = n
	return n, nil
}

// SetPosition stamps a header's on-disk (file, offset) if not already
// set; back-fills positions missing from a previous run. Returns false
// if the hash is unknown.
func (s *Store) SetPosition(hash [32]byte, pos blockfile.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byHash[hash]
	if !ok {
		return false
	}
	if !n.posSet {
		n.Pos = pos
		n.posSet = true
	}
	return true
}

// GetByHash looks up a header by its hash.
func (s *Store) GetByHash(hash [32]byte) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byHash[hash]
	return n, ok
}

// GetByHeight looks up the canonical best-chain header at a height.
func (s *Store) GetByHeight(height uint32) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byHeight[height]
	return n, ok
}

// Top returns the current best-chain tip.
func (s *Store) Top() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.top
}

// Genesis returns the root node.
func (s *Store) Genesis() *Node {
	return s.genesis
}

// Clear drops every known header except genesis, for `rebuild`.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genesis.Children = nil
	s.byHash = map[[32]byte]*Node{s.genesis.Hash: s.genesis}
	s.byHeight = map[uint32]*Node{0: s.genesis}
	s.top = s.genesis
	s.nextSeq = 0
}

// Organize recomputes the canonical height->header mapping: among all
// known tips (headers with no children), it picks the one with the
// greatest cumulative work back to genesis, tie-broken by earliest
// insertion sequence. It returns whether the top changed and, if so,
// the branch point — the deepest common ancestor with the previous top.
func (s *Store) Organize() ReorganizationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	previousTop := s.top
	best := s.findBestTip()

	if best == previousTop {
		return ReorganizationState{HasNewTop: false}
	}

	branch := commonAncestor(previousTop, best)

	// Rebuild the canonical height map by walking best back to genesis.
	newHeightMap := make(map[uint32]*Node, best.Height+1)
	for n := best; n != nil; n = n.Parent {
		newHeightMap[n.Height] = n
	}
	s.byHeight = newHeightMap
	s.top = best

	bh := branch.Height
	return ReorganizationState{HasNewTop: true, ReorgBranchPoint: &bh}
}

// findBestTip walks every node reachable from genesis and returns the
// leaf (no children) with the greatest cumulative proof-of-work,
// breaking ties by earliest-seen sequence number.
func (s *Store) findBestTip() *Node {
	var best *Node
	var bestWork *big.Int

	var walk func(n *Node, cum *big.Int)
	walk = func(n *Node, cum *big.Int) {
		total := new(big.Int).Add(cum, n.work)
		if len(n.Children) == 0 {
			if bestWork == nil || total.Cmp(bestWork) > 0 ||
				(total.Cmp(bestWork) == 0 && n.seq < best.seq) {
				bestWork = total
				best = n
			}
			return
		}
		for _, c := range n.Children {
			walk(c, total)
		}
	}
	walk(s.genesis, big.NewInt(0))
	return best
}

// commonAncestor returns the deepest node reachable as an ancestor of
// both a and b.
func commonAncestor(a, b *Node) *Node {
	for a.Height > b.Height {
		a = a.Parent
	}
	for b.Height > a.Height {
		b = b.Parent
	}
	for a != b {
		a = a.Parent
		b = b.Parent
	}
	return a
}
