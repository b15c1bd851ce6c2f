package vam

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

type ResourceKind int

const (
	ResourceBuffer ResourceKind = iota
	ResourceImage
)

var resourceKindMapping = map[ResourceKind]string{
	ResourceBuffer: "Buffer",
	ResourceImage:  "Image",
}

func (k ResourceKind) String() string {
	return resourceKindMapping[k]
}

// BufferCreateInfo describes a buffer and the class of memory that should back it
type BufferCreateInfo struct {
	driver.BufferCreateInfo
	Class driver.MemoryClass
	Name  string
}

// ImageCreateInfo describes an optimally tiled image and the class of memory that should back it
type ImageCreateInfo struct {
	driver.ImageCreateInfo
	Class driver.MemoryClass
	Name  string
}

// Resource is a buffer or image bound to an allocation. Its ID is what submissions reference:
// the resource must not be destroyed until the lifetime tracker has retired that ID.
type Resource struct {
	id         lifetime.ID
	kind       ResourceKind
	handle     driver.Handle
	allocation *Allocation

	destroyed atomic.Bool
}

func (r *Resource) ID() lifetime.ID         { return r.id }
func (r *Resource) Kind() ResourceKind      { return r.kind }
func (r *Resource) Handle() driver.Handle   { return r.handle }
func (r *Resource) Allocation() *Allocation { return r.allocation }
func (r *Resource) IsDestroyed() bool       { return r.destroyed.Load() }
func (r *Resource) Mapped() []byte          { return r.allocation.Mapped() }

// CreateBuffer creates a buffer, allocates memory for it and binds the two together
func (a *Allocator) CreateBuffer(info BufferCreateInfo) (*Resource, error) {
	buffer, requirements, err := a.driver.CreateBuffer(info.BufferCreateInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %d-byte buffer", info.Size)
	}

	alloc, err := a.AllocateMemory(requirements, info.Class, driver.TilingLinear)
	if err != nil {
		a.driver.DestroyBuffer(buffer)
		return nil, err
	}
	alloc.SetName(info.Name)

	err = a.driver.BindBufferMemory(buffer, alloc.Memory(), alloc.Offset())
	if err != nil {
		a.Free(alloc)
		a.driver.DestroyBuffer(buffer)
		return nil, errors.Wrap(err, "failed to bind buffer memory")
	}

	resource := &Resource{
		id:         lifetime.NewID(lifetime.KindResource),
		kind:       ResourceBuffer,
		handle:     buffer,
		allocation: alloc,
	}
	alloc.SetUserData(resource.id)
	return resource, nil
}

// CreateImage creates an image, allocates memory for it and binds the two together
func (a *Allocator) CreateImage(info ImageCreateInfo) (*Resource, error) {
	image, requirements, err := a.driver.CreateImage(info.ImageCreateInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %dx%dx%d image", info.Width, info.Height, info.Depth)
	}

	alloc, err := a.AllocateMemory(requirements, info.Class, driver.TilingOptimal)
	if err != nil {
		a.driver.DestroyImage(image)
		return nil, err
	}
	alloc.SetName(info.Name)

	err = a.driver.BindImageMemory(image, alloc.Memory(), alloc.Offset())
	if err != nil {
		a.Free(alloc)
		a.driver.DestroyImage(image)
		return nil, errors.Wrap(err, "failed to bind image memory")
	}

	resource := &Resource{
		id:         lifetime.NewID(lifetime.KindResource),
		kind:       ResourceImage,
		handle:     image,
		allocation: alloc,
	}
	alloc.SetUserData(resource.id)
	return resource, nil
}

// DestroyResource destroys the buffer or image and frees its memory immediately. Callers that
// have submitted work referencing the resource must wait for its ID to retire first. Destroying
// the same resource twice panics.
func (a *Allocator) DestroyResource(resource *Resource) {
	if !resource.destroyed.CompareAndSwap(false, true) {
		panic(driver.Invariantf("%s %s was destroyed twice", resource.kind, resource.id))
	}

	switch resource.kind {
	case ResourceBuffer:
		a.driver.DestroyBuffer(resource.handle)
	case ResourceImage:
		a.driver.DestroyImage(resource.handle)
	}

	a.Free(resource.allocation)
}
