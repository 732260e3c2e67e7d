package checksum

// Pending is a finished block that still has to reach the file, either
// written over its placeholder (InPlace) or appended.
type Pending struct {
	InPlace bool
	Offset  int64
	Data    []byte
}

// Splice is the result of feeding data through a Context: the buffers to
// append, in order, with blank placeholders inserted at span boundaries,
// and the reserved blocks that became complete. Out must be appended before
// Flush is written, since a flushed placeholder may be part of Out.
type Splice struct {
	Out   [][]byte
	Flush []Pending
}

// Context is the write-side checksum state of one fragment.
type Context struct {
	g Geometry

	written int64
	partial []byte
	cur     *Block
	curOff  int64
	first   *Block
}

// NewContext starts an empty context.
func NewContext(g Geometry) *Context {
	return &Context{g: g}
}

// Geometry returns the layout the context writes.
func (c *Context) Geometry() Geometry {
	return c.g
}

// Written is the number of logical bytes consumed so far.
func (c *Context) Written() int64 {
	return c.written
}

// Update consumes p and returns what to write. The buffers in Out alias p.
func (c *Context) Update(p []byte) Splice {
	if !c.g.Enabled() {
		c.written += int64(len(p))
		return Splice{Out: [][]byte{p}}
	}

	var s Splice
	span := c.g.Span()
	for len(p) > 0 {
		if c.written%span == 0 {
			j := c.written / span
			if j == 0 {
				c.cur = newBlock(c.g, 0)
				c.first = c.cur
			} else {
				if c.cur.Index >= 1 {
					s.Flush = append(s.Flush, Pending{InPlace: true, Offset: c.curOff, Data: c.cur.Encode(c.g.BlockSize)})
				}
				c.curOff = c.g.InlineOffset(j)
				c.cur = newBlock(c.g, j)
				s.Out = append(s.Out, make([]byte, c.g.BlockSize))
			}
		}
		n := min(int64(len(p)), span-c.written%span)
		s.Out = append(s.Out, p[:n])
		c.hash(p[:n])
		c.written += n
		p = p[n:]
	}
	return s
}

func (c *Context) hash(p []byte) {
	unit := int(c.g.Unit)
	if len(c.partial) > 0 {
		n := min(unit-len(c.partial), len(p))
		c.partial = append(c.partial, p[:n]...)
		p = p[n:]
		if len(c.partial) < unit {
			return
		}
		c.cur.Sums = append(c.cur.Sums, c.g.Alg.Sum(c.partial))
		c.partial = c.partial[:0]
	}
	for len(p) >= unit {
		c.cur.Sums = append(c.cur.Sums, c.g.Alg.Sum(p[:unit]))
		p = p[unit:]
	}
	if len(p) > 0 {
		if c.partial == nil {
			c.partial = make([]byte, 0, unit)
		}
		c.partial = append(c.partial, p...)
	}
}

// Finish closes the trailing partial unit and returns the blocks still
// held in memory: the current inline block, if any, and block 0, in that
// order. The result has zero, one or two entries.
func (c *Context) Finish() []Pending {
	if !c.g.Enabled() || c.cur == nil {
		return nil
	}
	if len(c.partial) > 0 {
		c.cur.Sums = append(c.cur.Sums, c.g.Alg.Sum(c.partial))
		c.partial = c.partial[:0]
	}
	var out []Pending
	if c.cur.Index >= 1 {
		out = append(out, Pending{InPlace: true, Offset: c.curOff, Data: c.cur.Encode(c.g.BlockSize)})
	}
	if len(c.first.Sums) > 0 {
		out = append(out, Pending{Data: c.first.Encode(c.g.BlockSize)})
	}
	return out
}

// Count is the number of blocks the finished fragment holds.
func (c *Context) Count() int64 {
	return c.g.Count(c.written)
}
