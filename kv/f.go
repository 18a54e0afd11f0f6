package kv

type (
	GetFunc        func(key []byte) ([]byte, error)
	HasFunc        func(key []byte) (bool, error)
	IsNotFoundFunc func(err error) bool
	PutFunc        func(key, val []byte) error
	DeleteFunc     func(key []byte) error
	WriteFunc      func() error
	IterateFunc    func(r Range) Iterator
	ReleaseFunc    func()
	KeyFunc        func() []byte
	ValueFunc      func() []byte
	ErrorFunc      func() error
)

func (f GetFunc) Get(key []byte) ([]byte, error)   { return f(key) }
func (f HasFunc) Has(key []byte) (bool, error)     { return f(key) }
func (f IsNotFoundFunc) IsNotFound(err error) bool { return f(err) }
func (f PutFunc) Put(key, val []byte) error        { return f(key, val) }
func (f DeleteFunc) Delete(key []byte) error       { return f(key) }
func (f WriteFunc) Write() error                   { return f() }
func (f IterateFunc) Iterate(r Range) Iterator     { return f(r) }
func (f ReleaseFunc) Release()                     { f() }
func (f KeyFunc) Key() []byte                      { return f() }
func (f ValueFunc) Value() []byte                  { return f() }
func (f ErrorFunc) Error() error                   { return f() }
