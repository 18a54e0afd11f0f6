package kv

// Bucket is a key prefix carving a logical key space out of a store.
type Bucket string

func (b Bucket) key(k []byte) []byte {
	out := make([]byte, 0, len(b)+len(k))
	return append(append(out, b...), k...)
}

// NewGetter returns a getter reading keys inside the bucket.
func (b Bucket) NewGetter(src Getter) Getter {
	return &struct {
		GetFunc
		HasFunc
		IsNotFoundFunc
	}{
		func(k []byte) ([]byte, error) { return src.Get(b.key(k)) },
		func(k []byte) (bool, error) { return src.Has(b.key(k)) },
		src.IsNotFound,
	}
}

// NewPutter returns a putter writing keys inside the bucket.
func (b Bucket) NewPutter(src Putter) Putter {
	return &struct {
		PutFunc
		DeleteFunc
	}{
		func(k, v []byte) error { return src.Put(b.key(k), v) },
		func(k []byte) error { return src.Delete(b.key(k)) },
	}
}

// NewReader returns a reader whose iterators are confined to the bucket and
// yield keys with the bucket prefix stripped.
func (b Bucket) NewReader(src Reader) Reader {
	return &struct {
		Getter
		IterateFunc
	}{
		b.NewGetter(src),
		b.iterate(src),
	}
}

// NewStore returns src narrowed to the bucket. Closing it closes src.
func (b Bucket) NewStore(src Store) Store {
	return &struct {
		Reader
		Putter
		snapshotFunc
		bulkFunc
		closeFunc
	}{
		b.NewReader(src),
		b.NewPutter(src),
		func() Snapshot {
			snap := src.Snapshot()
			return &struct {
				Reader
				ReleaseFunc
			}{b.NewReader(snap), snap.Release}
		},
		func() Bulk {
			bulk := src.Bulk()
			return &struct {
				Putter
				WriteFunc
			}{b.NewPutter(bulk), bulk.Write}
		},
		src.Close,
	}
}

func (b Bucket) iterate(src Reader) IterateFunc {
	return func(r Range) Iterator {
		r.Start = b.key(r.Start)
		if len(r.Limit) == 0 {
			r.Limit = prefixLimit([]byte(b))
		} else {
			r.Limit = b.key(r.Limit)
		}
		iter := src.Iterate(r)
		return &struct {
			firstFunc
			lastFunc
			nextFunc
			prevFunc
			KeyFunc
			ValueFunc
			ReleaseFunc
			ErrorFunc
		}{
			firstFunc(iter.First),
			lastFunc(iter.Last),
			nextFunc(iter.Next),
			prevFunc(iter.Prev),
			func() []byte { return iter.Key()[len(b):] },
			iter.Value,
			iter.Release,
			iter.Error,
		}
	}
}

type (
	snapshotFunc func() Snapshot
	bulkFunc     func() Bulk
	closeFunc    func() error
	firstFunc    func() bool
	lastFunc     func() bool
	nextFunc     func() bool
	prevFunc     func() bool
)

func (f snapshotFunc) Snapshot() Snapshot { return f() }
func (f bulkFunc) Bulk() Bulk             { return f() }
func (f closeFunc) Close() error          { return f() }
func (f firstFunc) First() bool           { return f() }
func (f lastFunc) Last() bool             { return f() }
func (f nextFunc) Next() bool             { return f() }
func (f prevFunc) Prev() bool             { return f() }
