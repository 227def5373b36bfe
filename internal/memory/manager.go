package memory

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/dic"
)

// Slot identifies one staged buffer. The slot order is the binding order
// of the correlation shader.
type Slot int

// Staged buffer slots.
const (
	SlotParams Slot = iota
	SlotReference
	SlotDeformed
	SlotPoints
	SlotCenters
	SlotDeformations
	SlotCounts
	SlotResults

	SlotCount
)

var slotLabels = [SlotCount]string{
	"params", "reference", "deformed", "points",
	"centers", "deformations", "counts", "results",
}

// String returns the slot label.
func (s Slot) String() string {
	if s < 0 || s >= SlotCount {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slotLabels[s]
}

// Buffers is the staged data of one batch. It stays valid until the
// manager is unlocked.
type Buffers struct {
	Task   *dic.Task
	Format Format
	Params Params
	Slots  [SlotCount]Buffer
}

// Stats contains staging statistics of a manager.
type Stats struct {
	Batches       uint64
	Uploads       uint64
	UploadedBytes uint64
	Reused        uint64
	CachedImages  int
	Device        DeviceStats
}

// String returns a human-readable string of staging stats.
func (s Stats) String() string {
	return fmt.Sprintf("Staging[%d batches, %d uploads (%d KB), %d reused, %d cached images]",
		s.Batches, s.Uploads, s.UploadedBytes/1024, s.Reused, s.CachedImages)
}

type slotState struct {
	buf    Buffer
	source any
	cached bool
}

// Manager stages batches on a device following one of the memory
// strategies:
//
//   - static: every buffer is freed and uploaded again for each batch
//   - dynamic: a buffer is uploaded only when its source data changed
//   - prefetch: images are uploaded once per run and cached by identity,
//     everything else is dynamic
//
// AssignData locks the manager; the lock is held until UnlockData so that
// only one batch is staged at a time.
type Manager struct {
	kind     dic.MemoryKind
	dev      Device
	planar   bool
	packing  bool
	mu       sync.Mutex
	task     *dic.Task
	slots    [SlotCount]slotState
	images   map[imageKey]Buffer
	packable map[*dic.Image]bool

	statMu sync.Mutex
	stats  Stats
}

type imageKey struct {
	img    *dic.Image
	packed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlanarPoints stages subset points in planar layout.
func WithPlanarPoints() Option {
	return func(m *Manager) { m.planar = true }
}

// WithPacking stages 8-bit images as packed u32 words.
func WithPacking() Option {
	return func(m *Manager) { m.packing = true }
}

// New creates a manager of the given strategy on dev.
func New(kind dic.MemoryKind, dev Device, opts ...Option) *Manager {
	m := &Manager{
		kind:     kind,
		dev:      dev,
		images:   make(map[imageKey]Buffer),
		packable: make(map[*dic.Image]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Kind returns the memory strategy.
func (m *Manager) Kind() dic.MemoryKind { return m.kind }

// Device returns the device the manager stages on.
func (m *Manager) Device() Device { return m.dev }

// AssignTask starts a new task. The prefetch strategy uploads both images
// of the task here.
func (m *Manager) AssignTask(task *dic.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.task = task
	if m.kind != dic.MemoryPrefetch {
		return nil
	}
	packed := m.packed(task)
	for _, img := range []*dic.Image{task.Reference, task.Deformed} {
		if _, err := m.cacheImage(img, packed); err != nil {
			return err
		}
	}
	return nil
}

// Prefetch uploads images ahead of the tasks that use them. It is a no-op
// for strategies other than prefetch.
func (m *Manager) Prefetch(images ...*dic.Image) error {
	if m.kind != dic.MemoryPrefetch {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, img := range images {
		packed := m.packing && m.isPackable(img)
		if _, err := m.cacheImage(img, packed); err != nil {
			return err
		}
	}
	return nil
}

// AssignData stages batch and locks the manager. On success the caller
// must call UnlockData. On failure every buffer staged for the batch has
// been released and the manager is unlocked.
func (m *Manager) AssignData(batch *dic.Task) (*Buffers, error) {
	m.mu.Lock()

	if m.kind == dic.MemoryStatic {
		m.releaseSlots()
	}

	format := Format{PackedImages: m.packed(batch), PlanarPoints: m.planar}
	params := ParamsFor(batch, format)
	n := batch.Order.Coefficients()
	subsets := len(batch.Subsets)
	maxCand := batch.MaxCandidates()
	w, h := batch.Reference.Width(), batch.Reference.Height()

	err := m.stage(SlotParams, params, ParamsSize, params.Bytes)
	if err == nil {
		err = m.stageImage(SlotReference, batch.Reference, format.PackedImages)
	}
	if err == nil {
		err = m.stageImage(SlotDeformed, batch.Deformed, format.PackedImages)
	}
	if err == nil {
		err = m.stage(SlotPoints, subsetSource(batch.Subsets), uint64(subsets*batch.PointCount()*2*4), //nolint:gosec // positive sizes
			func() []byte { return EncodePoints(batch.Subsets, m.planar) })
	}
	if err == nil {
		err = m.stage(SlotCenters, subsetSource(batch.Subsets), uint64(subsets*2*4), //nolint:gosec // positive sizes
			func() []byte { return EncodeCenters(batch.Subsets) })
	}
	if err == nil {
		err = m.stage(SlotDeformations, deformationsOf(batch), DeformationsSize(subsets, n, maxCand, batch.UsesLimits),
			func() []byte { return EncodeDeformations(batch) })
	}
	if err == nil {
		err = m.stage(SlotCounts, deformationsOf(batch), CountsSize(subsets, n, batch.UsesLimits),
			func() []byte { return EncodeCounts(batch) })
	}
	if err == nil {
		err = m.stage(SlotResults, nil, ResultsSize(subsets, maxCand), nil)
	}
	if err != nil {
		m.releaseSlots()
		m.mu.Unlock()
		return nil, err
	}

	m.statMu.Lock()
	m.stats.Batches++
	m.statMu.Unlock()

	bufs := &Buffers{Task: batch, Format: format, Params: params}
	for s := range m.slots {
		bufs.Slots[s] = m.slots[s].buf
	}
	dic.Logger().Debug("memory: batch staged",
		"strategy", m.kind, "subsets", subsets, "candidates", maxCand, "image", fmt.Sprintf("%dx%d", w, h))
	return bufs, nil
}

// UnlockData releases the lock taken by a successful AssignData.
func (m *Manager) UnlockData() {
	m.mu.Unlock()
}

// WithData stages batch, calls fn and unlocks the manager on every path,
// panics included.
func (m *Manager) WithData(batch *dic.Task, fn func(*Buffers) error) error {
	bufs, err := m.AssignData(batch)
	if err != nil {
		return err
	}
	defer m.UnlockData()
	return fn(bufs)
}

// Clear frees every buffer, the image cache included.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseSlots()
	for k, buf := range m.images {
		m.dev.Free(buf)
		delete(m.images, k)
	}
	clear(m.packable)
	m.task = nil
	m.statMu.Lock()
	m.stats.CachedImages = 0
	m.statMu.Unlock()
}

// Stats returns staging statistics.
func (m *Manager) Stats() Stats {
	m.statMu.Lock()
	s := m.stats
	m.statMu.Unlock()

	if hd, ok := m.dev.(interface{ Stats() DeviceStats }); ok {
		s.Device = hd.Stats()
	}
	return s
}

func (m *Manager) packed(task *dic.Task) bool {
	return m.packing && m.isPackable(task.Reference) && m.isPackable(task.Deformed)
}

func (m *Manager) isPackable(img *dic.Image) bool {
	p, ok := m.packable[img]
	if !ok {
		p = CanPack(img)
		m.packable[img] = p
	}
	return p
}

// subsetSource is the identity of a subset list for upload skipping.
type subsetSource []*dic.Subset

// deformationSource is the content of the deformation and count slots of
// a batch. Candidate slices must not be modified once staged.
type deformationSource struct {
	order      dic.DeformationOrder
	stride     int
	limits     []dic.Limits
	candidates [][][]float64
}

func deformationsOf(batch *dic.Task) deformationSource {
	return deformationSource{
		order:      batch.Order,
		stride:     batch.MaxCandidates(),
		limits:     batch.Limits,
		candidates: batch.Candidates,
	}
}

func (a deformationSource) equal(b deformationSource) bool {
	sameList := func(x, y [][]float64) bool { return slices.EqualFunc(x, y, slices.Equal[[]float64]) }
	return a.order == b.order && a.stride == b.stride &&
		slices.EqualFunc(a.limits, b.limits, slices.Equal[dic.Limits]) &&
		slices.EqualFunc(a.candidates, b.candidates, sameList)
}

func sameSource(a, b any) bool {
	switch sa := a.(type) {
	case subsetSource:
		sb, ok := b.(subsetSource)
		return ok && slices.Equal(sa, sb)
	case deformationSource:
		sb, ok := b.(deformationSource)
		return ok && sa.equal(sb)
	}
	switch b.(type) {
	case subsetSource, deformationSource:
		return false
	}
	return a == b
}

// stage makes slot s hold at least size bytes of data from source. The
// upload is skipped when the slot already holds the same source.
func (m *Manager) stage(s Slot, source any, size uint64, encode func() []byte) error {
	st := &m.slots[s]
	size = max(size, 4)

	if st.buf != nil && !st.cached && st.buf.Size() >= size {
		if sameSource(st.source, source) {
			m.countReuse()
			return nil
		}
	} else {
		m.release(s)
		buf, err := m.dev.Alloc(s.String(), size)
		if err != nil {
			return fmt.Errorf("stage %s: %w", s, err)
		}
		st.buf = buf
	}
	st.source = source
	if encode == nil {
		return nil
	}
	return m.upload(st.buf, encode())
}

func (m *Manager) stageImage(s Slot, img *dic.Image, packed bool) error {
	if m.kind == dic.MemoryPrefetch {
		buf, err := m.cacheImage(img, packed)
		if err != nil {
			return err
		}
		m.release(s)
		m.slots[s] = slotState{buf: buf, source: imageKey{img, packed}, cached: true}
		return nil
	}
	return m.stage(s, imageKey{img, packed}, ImageSize(img.Width(), img.Height(), packed),
		func() []byte { return EncodeImage(img, packed) })
}

func (m *Manager) cacheImage(img *dic.Image, packed bool) (Buffer, error) {
	key := imageKey{img, packed}
	if buf, ok := m.images[key]; ok {
		m.countReuse()
		return buf, nil
	}
	buf, err := m.dev.Alloc("image", ImageSize(img.Width(), img.Height(), packed))
	if err != nil {
		return nil, fmt.Errorf("prefetch image: %w", err)
	}
	if err := m.upload(buf, EncodeImage(img, packed)); err != nil {
		m.dev.Free(buf)
		return nil, err
	}
	m.images[key] = buf
	m.statMu.Lock()
	m.stats.CachedImages = len(m.images)
	m.statMu.Unlock()
	return buf, nil
}

func (m *Manager) upload(buf Buffer, data []byte) error {
	if err := m.dev.Write(buf, data); err != nil {
		return fmt.Errorf("upload %s: %w", buf.Label(), err)
	}
	m.statMu.Lock()
	m.stats.Uploads++
	m.stats.UploadedBytes += uint64(len(data))
	m.statMu.Unlock()
	return nil
}

func (m *Manager) countReuse() {
	m.statMu.Lock()
	m.stats.Reused++
	m.statMu.Unlock()
}

func (m *Manager) release(s Slot) {
	st := &m.slots[s]
	if st.buf != nil && !st.cached {
		m.dev.Free(st.buf)
	}
	*st = slotState{}
}

func (m *Manager) releaseSlots() {
	for s := range SlotCount {
		m.release(s)
	}
}
