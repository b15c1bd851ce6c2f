// Package session ties the device memory allocator, the object cache, the descriptor heap, the
// lifetime tracker and the frame scheduler into the single context a renderer talks to.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/foundry/descriptor"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/frame"
	"github.com/vkngwrapper/foundry/lifetime"
	"github.com/vkngwrapper/foundry/memutils"
	"github.com/vkngwrapper/foundry/objcache"
	"github.com/vkngwrapper/foundry/shaderwatch"
	"github.com/vkngwrapper/foundry/vam"
)

// Session owns every device resource and object a renderer uses. It is created explicitly with
// New and torn down with Close; there is no process-wide state. Once the device is lost, every
// call fails with an error marked driver.ErrDeviceLost and a new Session must be created.
type Session struct {
	id     uuid.UUID
	logger *slog.Logger
	driver driver.Driver

	allocator   *vam.Allocator
	tracker     *lifetime.Tracker
	scheduler   *frame.Scheduler
	cache       *objcache.Cache
	descriptors *descriptor.Heap
	shaders     *shaderwatch.Library
	staging     []*vam.StagingArena

	pipelineCachePath string
	onShaderChange    shaderwatch.ChangeFunc
	stopWatch         context.CancelFunc

	// pendingMutex is held for the whole of retirement dispatch, so a resource is either
	// destroyed immediately or found by the retirement of its last use
	pendingMutex   sync.Mutex
	pendingDestroy map[lifetime.ID]*vam.Resource

	lostMutex sync.Mutex
	lostErr   error

	closed atomic.Bool
}

// New initializes a session over drv. The pipeline cache blob is loaded and the shader library
// created when the options ask for them.
func New(logger *slog.Logger, drv driver.Driver, options Options) (*Session, error) {
	id := uuid.New()
	s := &Session{
		id:                id,
		logger:            logger.With(slog.String("session", id.String())),
		driver:            drv,
		tracker:           lifetime.NewTracker(),
		pipelineCachePath: options.PipelineCachePath,
		onShaderChange:    options.OnShaderChange,
		pendingDestroy:    make(map[lifetime.ID]*vam.Resource),
	}

	var err error
	s.allocator, err = vam.New(s.logger, drv, options.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the device memory allocator")
	}

	s.cache = objcache.New(s.logger, drv, objcache.Options{
		Budget: options.CacheBudget,
		InUse:  s.tracker.InUse,
	})

	s.scheduler, err = frame.New(s.logger, drv, s.tracker, frame.Options{
		FramesInFlight: options.FramesInFlight,
		FenceTimeout:   options.FenceTimeout,
		OnRetire:       s.retire,
	})
	if err != nil {
		s.teardown()
		return nil, errors.Wrap(err, "failed to create the frame scheduler")
	}

	s.descriptors, err = descriptor.New(s.logger, drv, descriptor.Options{
		StaticSetsPerPool: options.StaticSetsPerPool,
		FrameSetsPerPool:  options.FrameSetsPerPool,
		Slots:             s.scheduler.FramesInFlight(),
		InUse:             s.tracker.InUse,
		Release:           s.cache.Release,
	})
	if err != nil {
		s.teardown()
		return nil, errors.Wrap(err, "failed to create the descriptor heap")
	}

	if options.StagingSize > 0 {
		for index := 0; index < s.scheduler.FramesInFlight(); index++ {
			arena, err := s.allocator.NewStagingArena(options.StagingSize)
			if err != nil {
				s.teardown()
				return nil, errors.Wrapf(err, "failed to create the staging arena of frame slot %d", index)
			}
			s.staging = append(s.staging, arena)
		}
	}

	if s.pipelineCachePath != "" {
		err = s.cache.LoadBlob(s.pipelineCachePath)
		if err != nil {
			s.teardown()
			return nil, err
		}
	}

	if options.ShaderDir != "" {
		s.shaders = shaderwatch.New(s.logger, options.ShaderDir, shaderwatch.Options{
			OnChange: s.shaderChanged,
		})

		if options.WatchShaders {
			ctx, cancel := context.WithCancel(context.Background())
			err = s.shaders.Watch(ctx)
			if err != nil {
				cancel()
				s.teardown()
				return nil, err
			}
			s.stopWatch = cancel
		}
	}

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "session created",
		slog.Int("framesInFlight", s.scheduler.FramesInFlight()),
		slog.Int("stagingSize", options.StagingSize),
		slog.Int("cacheBudget", options.CacheBudget))

	return s, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Allocator() *vam.Allocator  { return s.allocator }
func (s *Session) Cache() *objcache.Cache     { return s.cache }
func (s *Session) Tracker() *lifetime.Tracker { return s.tracker }

// Shaders is the shader library, or nil when the session was created without a shader
// directory
func (s *Session) Shaders() *shaderwatch.Library { return s.shaders }

// Lost returns the error that caused the device to be considered lost, or nil
func (s *Session) Lost() error {
	s.lostMutex.Lock()
	err := s.lostErr
	s.lostMutex.Unlock()

	if err != nil {
		return err
	}
	return s.scheduler.Lost()
}

func (s *Session) lostError() error {
	err := s.Lost()
	if err != nil {
		return driver.Mark(errors.Wrap(err, "the device was lost"), driver.ErrDeviceLost)
	}
	return nil
}

// checkLost latches lost state when err reports a lost device, and returns err
func (s *Session) checkLost(err error) error {
	if !errors.Is(err, driver.ErrDeviceLost) {
		return err
	}

	s.lostMutex.Lock()
	defer s.lostMutex.Unlock()

	if s.lostErr == nil {
		s.lostErr = err
		s.logger.LogAttrs(context.Background(), slog.LevelError, "device lost", slog.Any("error", err))
	}
	return err
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		panic(driver.Invariantf("session %s was used after it was closed", s.id))
	}
	return s.lostError()
}

// retire is the scheduler's retirement hook. It runs before the slot's command pool is reset
// and while no submission can be made.
func (s *Session) retire(slot *frame.Slot, ids []lifetime.ID) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	var objects, sets []lifetime.ID
	for _, id := range ids {
		switch id.Kind() {
		case lifetime.KindResource:
			resource, pending := s.pendingDestroy[id]
			if pending {
				delete(s.pendingDestroy, id)
				s.allocator.DestroyResource(resource)
			}
		case lifetime.KindObject:
			objects = append(objects, id)
		case lifetime.KindDescriptorSet:
			sets = append(sets, id)
		}
		s.tracker.MarkReleased(id)
	}

	// Sets go first since they release their layouts into the cache
	s.descriptors.Retired(sets)
	s.cache.Retired(objects)

	if slot.Index() < len(s.staging) {
		s.staging[slot.Index()].Reset()
	}

	if len(ids) > 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "retired",
			slog.Int("slot", slot.Index()),
			slog.Int("ids", len(ids)),
			slog.Int("objects", len(objects)),
			slog.Int("descriptorSets", len(sets)))
	}
}

func (s *Session) shaderChanged(name string, old, new *objcache.Shader) {
	s.cache.Purge(old.Hash())

	if s.onShaderChange != nil {
		s.onShaderChange(name, old, new)
	}
}

// AllocateBuffer creates a buffer bound to device memory of the requested class
func (s *Session) AllocateBuffer(info vam.BufferCreateInfo) (*vam.Resource, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	resource, err := s.allocator.CreateBuffer(info)
	return resource, s.checkLost(err)
}

// AllocateImage creates an image bound to device memory of the requested class
func (s *Session) AllocateImage(info vam.ImageCreateInfo) (*vam.Resource, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	resource, err := s.allocator.CreateImage(info)
	return resource, s.checkLost(err)
}

// DestroyResource destroys a resource once no pending submission references it. A resource
// that is still in use is destroyed by the retirement of its last submission.
func (s *Session) DestroyResource(resource *vam.Resource) {
	if s.closed.Load() {
		panic(driver.Invariantf("session %s was used after it was closed", s.id))
	}

	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	if _, pending := s.pendingDestroy[resource.ID()]; pending || resource.IsDestroyed() {
		panic(driver.Invariantf("%s %s was destroyed twice", resource.Kind(), resource.ID()))
	}

	if s.tracker.InUse(resource.ID()) {
		s.pendingDestroy[resource.ID()] = resource
		return
	}

	s.allocator.DestroyResource(resource)
}

func (s *Session) getObject(desc objcache.Description) (*objcache.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	obj, err := s.cache.GetOrCreate(desc)
	return obj, s.checkLost(err)
}

// GetPipeline returns the cached graphics pipeline for desc, building it and its layouts if
// needed. The caller must Release the returned object.
func (s *Session) GetPipeline(desc objcache.GraphicsPipelineDesc) (*objcache.Object, error) {
	return s.getObject(desc)
}

func (s *Session) GetPipelineLayout(desc objcache.PipelineLayoutDesc) (*objcache.Object, error) {
	return s.getObject(desc)
}

func (s *Session) GetDescriptorSetLayout(desc objcache.DescriptorSetLayoutDesc) (*objcache.Object, error) {
	return s.getObject(desc)
}

func (s *Session) GetSampler(desc objcache.SamplerDesc) (*objcache.Object, error) {
	return s.getObject(desc)
}

// AllocateDescriptorSet allocates a descriptor set of the layout desc describes. The set lives
// until FreeDescriptorSet, and its ID must be passed with every submission that binds it.
func (s *Session) AllocateDescriptorSet(desc objcache.DescriptorSetLayoutDesc) (*descriptor.Set, error) {
	layout, err := s.getObject(desc)
	if err != nil {
		return nil, err
	}

	set, err := s.descriptors.Allocate(layout, desc)
	if err != nil {
		s.cache.Release(layout)
		return nil, s.checkLost(err)
	}
	return set, nil
}

// AllocateFrameDescriptorSet allocates a descriptor set for the current frame of slot. It is
// released when the slot begins its next frame.
func (s *Session) AllocateFrameDescriptorSet(slot *frame.Slot, desc objcache.DescriptorSetLayoutDesc) (*descriptor.Set, error) {
	layout, err := s.getObject(desc)
	if err != nil {
		return nil, err
	}

	set, err := s.descriptors.AllocateFrame(slot.Index(), layout, desc)
	if err != nil {
		s.cache.Release(layout)
		return nil, s.checkLost(err)
	}
	return set, nil
}

// FreeDescriptorSet frees a set from AllocateDescriptorSet once no pending submission
// references it
func (s *Session) FreeDescriptorSet(set *descriptor.Set) error {
	if s.closed.Load() {
		panic(driver.Invariantf("session %s was used after it was closed", s.id))
	}

	return s.checkLost(s.descriptors.Free(set))
}

// Release drops a reference returned by one of the Get methods
func (s *Session) Release(obj *objcache.Object) {
	s.cache.Release(obj)
}

// BeginFrame waits for the next frame slot, retiring everything its previous frame used
func (s *Session) BeginFrame(ctx context.Context) (*frame.Slot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	slot, err := s.scheduler.BeginFrame(ctx)
	if err != nil {
		return nil, s.checkLost(err)
	}

	// Like its command pool, a slot's frame descriptor sets outlive WaitIdle and are only
	// released when the slot is reused
	err = s.descriptors.ResetSlot(slot.Index())
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to release frame descriptor sets",
			slog.Int("slot", slot.Index()),
			slog.Any("error", err))
		s.checkLost(err)
	}
	return slot, nil
}

// Submit submits command buffers recorded from slot. ids are the resources and objects the
// command buffers reference.
func (s *Session) Submit(slot *frame.Slot, commandBuffers []driver.Handle, ids ...lifetime.ID) (lifetime.Seq, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	seq, err := s.scheduler.Submit(slot, commandBuffers, ids)
	return seq, s.checkLost(err)
}

func (s *Session) EndFrame() error {
	return s.checkLost(s.scheduler.EndFrame())
}

// Staging returns the staging arena of a frame slot, or nil when staging is disabled. The arena
// is reset when the slot's previous frame retires.
func (s *Session) Staging(slot *frame.Slot) *vam.StagingArena {
	if slot.Index() >= len(s.staging) {
		return nil
	}
	return s.staging[slot.Index()]
}

type Stats struct {
	Session            string
	Frame              uint64
	Lost               bool
	Memory             memutils.DetailedStatistics
	Heaps              []vam.HeapInfo
	Budgets            []vam.Budget
	Cache              objcache.Stats
	Descriptors        descriptor.Stats
	PendingSubmissions int
	PendingDestroys    int
}

func (s *Session) Stats() Stats {
	stats := Stats{
		Session:            s.id.String(),
		Frame:              s.scheduler.Frame(),
		Lost:               s.Lost() != nil,
		Heaps:              s.allocator.HeapInfo(),
		Budgets:            s.allocator.HeapBudgets(),
		Cache:              s.cache.Stats(),
		Descriptors:        s.descriptors.Stats(),
		PendingSubmissions: s.tracker.Pending(),
	}
	s.allocator.CalculateStatistics(&stats.Memory)

	s.pendingMutex.Lock()
	stats.PendingDestroys = len(s.pendingDestroy)
	s.pendingMutex.Unlock()

	return stats
}

// Close waits for the device to finish all submitted work, saves the pipeline cache and destroys
// everything the session owns. When the device is lost the idle wait and the pipeline cache
// are skipped. If ctx ends before the device is idle, nothing is destroyed and Close may be
// called again.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}

	if s.Lost() == nil {
		err := s.checkLost(s.scheduler.WaitIdle(ctx))
		if err != nil && !errors.Is(err, driver.ErrDeviceLost) {
			return errors.Wrap(err, "failed waiting for the device to idle")
		}
	}

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if s.Lost() == nil && s.pipelineCachePath != "" {
		saveErr := s.cache.SaveBlob(s.pipelineCachePath)
		if saveErr != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to save pipeline cache", slog.Any("error", saveErr))
			err = errors.CombineErrors(err, saveErr)
		}
	}

	err = errors.CombineErrors(err, s.teardown())

	s.logger.LogAttrs(ctx, slog.LevelInfo, "session closed",
		slog.Bool("lost", s.Lost() != nil))
	return err
}

// teardown destroys whatever New managed to create
func (s *Session) teardown() error {
	if s.stopWatch != nil {
		s.stopWatch()
		s.shaders.Wait()
	}

	s.pendingMutex.Lock()
	for id, resource := range s.pendingDestroy {
		s.allocator.DestroyResource(resource)
		delete(s.pendingDestroy, id)
	}
	s.pendingMutex.Unlock()

	for _, arena := range s.staging {
		arena.Destroy()
	}
	s.staging = nil

	var err error
	if s.descriptors != nil {
		err = s.descriptors.Destroy()
	}
	s.cache.Destroy()
	if s.scheduler != nil {
		s.scheduler.Destroy()
	}

	return errors.CombineErrors(err, s.allocator.Destroy())
}
