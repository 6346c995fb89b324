package calico

import "go.uber.org/zap"

// Options configures a database connection. The zero value is not
// meant to be used directly; construct with DefaultOptions and apply
// WithX functions, mirroring the functional-options style the original
// CalicoDB config layer (original_source/src/config.cpp) exposes through
// its swappable global Options struct.
type Options struct {
	PageSize             int
	CacheFrames          int
	SyncMode             SyncMode
	AutoCheckpointFrames uint32
	BusyHandler          func() bool
	Logger               *zap.Logger
	Env                  Env
}

// DefaultOptions returns the baseline configuration: 4096-byte pages, a
// 2000-frame cache, Normal sync, auto-checkpoint every 1000 commits, and
// a no-op logger.
func DefaultOptions() Options {
	return Options{
		PageSize:             4096,
		CacheFrames:          2000,
		SyncMode:             SyncNormal,
		AutoCheckpointFrames: 1000,
		Logger:               zap.NewNop(),
		Env:                  NewEnv(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.CacheFrames == 0 {
		o.CacheFrames = d.CacheFrames
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Env == nil {
		o.Env = d.Env
	}
	return o
}

// WithPageSize sets the page size for a brand-new database; it has no
// effect on an existing one, whose page size is read from the file
// header.
func WithPageSize(n int) func(*Options) {
	return func(o *Options) { o.PageSize = n }
}

// WithCacheFrames sets the page cache's frame capacity.
func WithCacheFrames(n int) func(*Options) {
	return func(o *Options) { o.CacheFrames = n }
}

// WithSyncMode sets how aggressively commit/checkpoint fsync.
func WithSyncMode(m SyncMode) func(*Options) {
	return func(o *Options) { o.SyncMode = m }
}

// WithAutoCheckpoint sets the commit count after which a passive
// checkpoint is attempted automatically; 0 disables auto-checkpoint.
func WithAutoCheckpoint(frames uint32) func(*Options) {
	return func(o *Options) { o.AutoCheckpointFrames = frames }
}

// WithBusyHandler installs a callback that non-passive checkpoints
// consult while waiting for the WRITE lock or for readers; it should
// return true to retry or false to give up (§5, §7). Busy from Begin
// (reader-slot or WRITE-lock acquisition) is returned to the caller
// without consulting it.
func WithBusyHandler(h func() bool) func(*Options) {
	return func(o *Options) { o.BusyHandler = h }
}

// WithLogger installs a zap logger; components log at Debug for page
// faults/evictions, Info for checkpoints/vacuum, Warn for retried busy
// conditions, and Error for corruption.
func WithLogger(l *zap.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// WithEnv installs an Env other than the default posix one, e.g. a
// wrapping Env used by tests to inject faults.
func WithEnv(e Env) func(*Options) {
	return func(o *Options) { o.Env = e }
}

// NewOptions builds an Options from DefaultOptions plus any overrides.
func NewOptions(fns ...func(*Options)) Options {
	o := DefaultOptions()
	for _, fn := range fns {
		fn(&o)
	}
	return o
}
