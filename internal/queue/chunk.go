package queue

import "sync"

// DefaultChunkSize holds 348 transport packets per read.
const DefaultChunkSize = 188 * 348

// Chunk is one read from the tuner: a fixed-capacity buffer and the number
// of valid bytes in it.
type Chunk struct {
	Data []byte
	Len  int
}

// NewChunk allocates a chunk with the given capacity.
func NewChunk(size int) *Chunk {
	return &Chunk{Data: make([]byte, size)}
}

// Bytes returns the valid portion of the buffer.
func (c *Chunk) Bytes() []byte { return c.Data[:c.Len] }

// Pool recycles chunks of one size between the consumer and the producer.
type Pool struct {
	size int
	p    sync.Pool
}

// NewPool creates a pool handing out chunks of size bytes. A size below 1
// selects DefaultChunkSize.
func NewPool(size int) *Pool {
	if size < 1 {
		size = DefaultChunkSize
	}
	pool := &Pool{size: size}
	pool.p.New = func() any { return NewChunk(size) }
	return pool
}

// Size reports the capacity of the chunks the pool hands out.
func (p *Pool) Size() int { return p.size }

// Get returns an empty chunk.
func (p *Pool) Get() *Chunk {
	c := p.p.Get().(*Chunk)
	c.Len = 0
	return c
}

// Put returns c to the pool. Chunks of a foreign size are dropped.
func (p *Pool) Put(c *Chunk) {
	if c == nil || len(c.Data) != p.size {
		return
	}
	p.p.Put(c)
}
