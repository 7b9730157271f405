// Package codec reconstructs missing stripe shards and computes parity
// shards using Reed-Solomon erasure coding.
package codec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Provider is a redundancy codec for stripes of numData data shards and
// numParity parity shards. Providers are stateless after construction and
// safe for concurrent use; instances of the same geometry can be shared
// among clusters.
type Provider struct {
	numData   int
	numParity int
	enc       reedsolomon.Encoder
}

// New creates a codec provider for the given stripe geometry
func New(numData, numParity int) (*Provider, error) {
	if numData < 1 {
		return nil, fmt.Errorf("stripe needs at least one data shard, got %d", numData)
	}
	if numParity < 0 {
		return nil, fmt.Errorf("negative parity shard count %d", numParity)
	}
	p := &Provider{numData: numData, numParity: numParity}
	if numParity > 0 {
		enc, err := reedsolomon.New(numData, numParity)
		if err != nil {
			return nil, fmt.Errorf("building reed-solomon encoder: %w", err)
		}
		p.enc = enc
	}
	return p, nil
}

// NumData returns the number of data shards per stripe
func (p *Provider) NumData() int { return p.numData }

// NumParity returns the number of parity shards per stripe
func (p *Provider) NumParity() int { return p.numParity }

// Compute completes a stripe in place. Empty shards count as missing.
//
// If all parity shards are empty and at least one data shard is present,
// the stripe is treated as a fresh write: data shards are padded to the
// uniform chunk size (absent tail shards become all-zero chunks) and the
// parity shards are filled in. Otherwise the stripe is treated as a
// partial read: at least numData shards must be present to reconstruct
// the missing ones.
//
// All shards of the completed stripe have the same length; the true value
// size travels in the version token, not here.
func (p *Provider) Compute(stripe [][]byte) error {
	if len(stripe) != p.numData+p.numParity {
		return fmt.Errorf("stripe has %d shards, want %d", len(stripe), p.numData+p.numParity)
	}

	chunkSize := 0
	present := 0
	parityPresent := 0
	for i, shard := range stripe {
		if len(shard) == 0 {
			continue
		}
		present++
		if i >= p.numData {
			parityPresent++
		}
		if len(shard) > chunkSize {
			chunkSize = len(shard)
		}
	}
	if present == 0 {
		return fmt.Errorf("cannot complete a stripe without any shards")
	}

	if parityPresent == 0 {
		return p.encode(stripe, chunkSize)
	}
	return p.reconstruct(stripe, chunkSize, present)
}

// encode fills the parity shards of a write stripe
func (p *Provider) encode(stripe [][]byte, chunkSize int) error {
	shards := make([][]byte, len(stripe))
	for i := 0; i < p.numData; i++ {
		shards[i] = padded(stripe[i], chunkSize)
	}
	for i := p.numData; i < len(stripe); i++ {
		shards[i] = make([]byte, chunkSize)
	}
	if p.enc != nil {
		if err := p.enc.Encode(shards); err != nil {
			return fmt.Errorf("computing parity shards: %w", err)
		}
	}
	copy(stripe, shards)
	return nil
}

// reconstruct restores the missing shards of a read stripe
func (p *Provider) reconstruct(stripe [][]byte, chunkSize, present int) error {
	if present < p.numData {
		return fmt.Errorf("unrecoverable stripe: %d of %d required shards present", present, p.numData)
	}
	if p.enc == nil {
		// without parity every shard is a data shard, so present == numData
		// means nothing is missing
		return nil
	}
	shards := make([][]byte, len(stripe))
	for i, shard := range stripe {
		if len(shard) == 0 {
			continue
		}
		shards[i] = padded(shard, chunkSize)
	}
	if err := p.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstructing stripe: %w", err)
	}
	copy(stripe, shards)
	return nil
}

// padded returns the shard zero-extended to the given size, copying only
// when extension is needed
func padded(shard []byte, size int) []byte {
	if len(shard) == size {
		return shard
	}
	out := make([]byte, size)
	copy(out, shard)
	return out
}
