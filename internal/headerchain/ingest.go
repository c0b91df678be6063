package headerchain

import (
	"errors"

	"github.com/btcsuite/btclog"

	"github.com/gocoin/blkindexer/internal/blockfile"
	"github.com/gocoin/blkindexer/internal/rawblock"
)

// Ingest implements spec.md section 4.D: bringing a Store up to date
// with what is on disk, touching as little of it as possible.
//
// Grounded on gocoin's lib/chain/chain_load.go (walk every on-disk
// header, link parent/child, detect the previous top), adapted from a
// one-shot full-index load into the incremental "probe, then scan
// forward from the first new file" algorithm spec.md describes.
type Ingest struct {
	files *blockfile.Set
	store *Store
	log   btclog.Logger
}

// NewIngest builds an Ingest driving files into store.
func NewIngest(files *blockfile.Set, store *Store, log btclog.Logger) *Ingest {
	if log == nil {
		log = btclog.Disabled
	}
	return &Ingest{files: files, store: store, log: log}
}

// Run executes the ingest algorithm and leaves store.Organize() called.
// It returns the number of header records it examined (new or known).
func (ig *Ingest) Run() (int, error) {
	if err := ig.files.Detect(); err != nil {
		return 0, err
	}

	previousTop := ig.store.Top()
	startFile, startOffset := ig.findStartPoint()

	// Refine the coarse file-level probe into an exact resume point:
	// if the previous top's own on-disk position is already known and
	// falls at or after the probed file, resume exactly there instead
	// of re-reading the probed file from its beginning. Without this,
	// blocks appended to a file that was only partly known (rather
	// than an entirely new file) would force a full re-walk of that
	// file's already-known prefix; with it, the scan picks up right
	// where it left off. previousTop==genesis with no position yet
	// (a fresh store) leaves the coarse probe's offset 0 in place,
	// which is correct since nothing is known beyond genesis anyway.
	if previousTop.HasPosition() && previousTop.Pos.FileNum >= startFile {
		startFile, startOffset = previousTop.Pos.FileNum, previousTop.Pos.Offset
	}

	examined := 0
	seenPreviousTop := false

	for fileNum := startFile; fileNum < uint32(ig.files.NumFiles()); fileNum++ {
		offset := int64(0)
		if fileNum == startFile {
			offset = startOffset
		}

		err := ig.files.ReadFile(fileNum, offset, func(b blockfile.Block) blockfile.ControlFlow {
			examined++
			hdr, hash, err := rawblock.ParseHeader(b.Data)
			if err != nil {
				ig.log.Warnf("headerchain: corrupt header at file %05d offset %d: %v", b.Pos.FileNum, b.Pos.Offset, err)
				return blockfile.Continue
			}

			if _, alreadyKnown := ig.store.GetByHash(hash); !alreadyKnown {
				if _, err := ig.store.AddHeader(hash, hdr); err != nil {
					ig.log.Warnf("headerchain: %v", err)
					return blockfile.Continue
				}
			}
			// Back-fill the position whether the header was new or not
			// (spec.md section 4.D point 2: stamp known ones too).
			ig.store.SetPosition(hash, b.Pos)

			if hash == previousTop.Hash {
				seenPreviousTop = true
			}
			return blockfile.Continue
		})
		if err != nil {
			return examined, err
		}
	}

	if !seenPreviousTop && previousTop != ig.store.Genesis() {
		// Recovery: the previous top vanished from the files we just
		// walked (pruned or reorganized node). Scan backward file by
		// file looking for it before giving up and forcing a full
		// rescan from zero.
		found, err := ig.scanBackwardForTop(previousTop.Hash, startFile)
		if err != nil {
			return examined, err
		}
		if !found {
			ig.log.Warnf("headerchain: previous top %x not found on disk, forcing full header rescan", previousTop.Hash)
			ig.store.Clear()
			return ig.rescanFromZero()
		}
	}

	ig.store.Organize()
	return examined, nil
}

// findStartPoint locates the largest file k such that its first header
// is already known, so ingest can skip straight to the file boundary
// where new data begins. If file 0's first hash is unknown (fresh DB),
// scanning starts from the very beginning.
func (ig *Ingest) findStartPoint() (fileNum uint32, offset int64) {
	n := ig.files.NumFiles()
	if n == 0 {
		return 0, 0
	}

	best := uint32(0)
	for k := 0; k < n; k++ {
		hash, err := ig.files.FirstHash(uint32(k))
		if err != nil {
			var wrongNetwork *blockfile.WrongNetworkError
			if errors.As(err, &wrongNetwork) {
				ig.log.Warnf("headerchain: %v, skipping", wrongNetwork)
			}
			break
		}
		if hash == [32]byte{} {
			break
		}
		if _, ok := ig.store.GetByHash(hash); !ok {
			break
		}
		best = uint32(k)
	}
	return best, 0
}

func (ig *Ingest) scanBackwardForTop(target [32]byte, beforeFile uint32) (bool, error) {
	for f := int64(beforeFile) - 1; f >= 0; f-- {
		found := false
		err := ig.files.ReadFile(uint32(f), 0, func(b blockfile.Block) blockfile.ControlFlow {
			_, hash, err := rawblock.ParseHeader(b.Data)
			if err == nil && hash == target {
				found = true
				return blockfile.Abort
			}
			return blockfile.Continue
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// rescanFromZero is the ChainInconsistencyError recovery path: the
// store was cleared, so every file is walked from the start with no
// short-circuit available (there is no "previous top" left to find).
func (ig *Ingest) rescanFromZero() (int, error) {
	examined := 0
	for fileNum := uint32(0); fileNum < uint32(ig.files.NumFiles()); fileNum++ {
		err := ig.files.ReadFile(fileNum, 0, func(b blockfile.Block) blockfile.ControlFlow {
			examined++
			hdr, hash, err := rawblock.ParseHeader(b.Data)
			if err != nil {
				ig.log.Warnf("headerchain: corrupt header at file %05d offset %d: %v", b.Pos.FileNum, b.Pos.Offset, err)
				return blockfile.Continue
			}
			if _, ok := ig.store.GetByHash(hash); !ok {
				if _, err := ig.store.AddHeader(hash, hdr); err != nil {
					ig.log.Warnf("headerchain: %v", err)
					return blockfile.Continue
				}
			}
			ig.store.SetPosition(hash, b.Pos)
			return blockfile.Continue
		})
		if err != nil {
			return examined, err
		}
	}
	ig.store.Organize()
	return examined, nil
}
