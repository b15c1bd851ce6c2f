package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/foundry/driver"
)

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.Handle, error) {
	layoutBindings := make([]core1_0.DescriptorSetLayoutBinding, 0, len(bindings))
	for _, binding := range bindings {
		layoutBindings = append(layoutBindings, core1_0.DescriptorSetLayoutBinding{
			Binding:         binding.Binding,
			DescriptorType:  core1_0.DescriptorType(binding.Type),
			DescriptorCount: binding.Count,
			StageFlags:      core1_0.ShaderStageFlags(binding.Stages),
		})
	}

	layout, res, err := d.driver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: layoutBindings,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a descriptor set layout with %d bindings", len(bindings))
	}

	return register(d, d.descriptorSetLayouts, layout), nil
}

func (d *Device) CreatePipelineLayout(setLayouts []driver.Handle, pushConstants []driver.PushConstantRange) (driver.Handle, error) {
	layouts := make([]core1_0.DescriptorSetLayout, 0, len(setLayouts))
	for _, handle := range setLayouts {
		layout, err := lookup(d, d.descriptorSetLayouts, handle)
		if err != nil {
			return driver.NullHandle, err
		}
		layouts = append(layouts, layout)
	}

	ranges := make([]core1_0.PushConstantRange, 0, len(pushConstants))
	for _, pushConstant := range pushConstants {
		ranges = append(ranges, core1_0.PushConstantRange{
			StageFlags: core1_0.ShaderStageFlags(pushConstant.Stages),
			Offset:     pushConstant.Offset,
			Size:       pushConstant.Size,
		})
	}

	layout, res, err := d.driver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts:         layouts,
		PushConstantRanges: ranges,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a pipeline layout")
	}

	return register(d, d.pipelineLayouts, layout), nil
}

func (d *Device) createShaderStages(stages []driver.ShaderStageInfo) ([]core1_0.PipelineShaderStageCreateInfo, []core1_0.ShaderModule, error) {
	infos := make([]core1_0.PipelineShaderStageCreateInfo, 0, len(stages))
	modules := make([]core1_0.ShaderModule, 0, len(stages))

	for _, stage := range stages {
		module, res, err := d.driver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
			Code: stage.Code,
		})
		if err != nil {
			d.destroyShaderModules(modules)
			return nil, nil, wrapResult(res, err, "creating a shader module")
		}
		modules = append(modules, module)

		entryPoint := stage.EntryPoint
		if entryPoint == "" {
			entryPoint = "main"
		}
		infos = append(infos, core1_0.PipelineShaderStageCreateInfo{
			Stage:  core1_0.ShaderStageFlags(stage.Stage),
			Module: module,
			Name:   entryPoint,
		})
	}

	return infos, modules, nil
}

func (d *Device) destroyShaderModules(modules []core1_0.ShaderModule) {
	for _, module := range modules {
		d.driver.DestroyShaderModule(module, nil)
	}
}

func (d *Device) CreateGraphicsPipeline(info driver.GraphicsPipelineInfo) (driver.Handle, error) {
	layout, err := lookup(d, d.pipelineLayouts, info.Layout)
	if err != nil {
		return driver.NullHandle, err
	}
	renderPass, err := lookup(d, d.renderPasses, info.RenderPass)
	if err != nil {
		return driver.NullHandle, errors.Wrapf(err, "pipeline render pass")
	}

	stages, modules, err := d.createShaderStages(info.Stages)
	if err != nil {
		return driver.NullHandle, err
	}
	// Modules are only needed until the pipeline is built
	defer d.destroyShaderModules(modules)

	vertexInput := &core1_0.PipelineVertexInputStateCreateInfo{}
	for _, binding := range info.VertexBindings {
		inputRate := core1_0.VertexInputRateVertex
		if binding.PerInstance {
			inputRate = core1_0.VertexInputRateInstance
		}
		vertexInput.VertexBindingDescriptions = append(vertexInput.VertexBindingDescriptions, core1_0.VertexInputBindingDescription{
			Binding:   binding.Binding,
			Stride:    binding.Stride,
			InputRate: inputRate,
		})
	}
	for _, attribute := range info.VertexAttributes {
		vertexInput.VertexAttributeDescriptions = append(vertexInput.VertexAttributeDescriptions, core1_0.VertexInputAttributeDescription{
			Location: uint32(attribute.Location),
			Binding:  attribute.Binding,
			Format:   core1_0.Format(attribute.Format),
			Offset:   attribute.Offset,
		})
	}

	attachments := make([]core1_0.PipelineColorBlendAttachmentState, 0, len(info.ColorAttachments))
	for _, attachment := range info.ColorAttachments {
		attachments = append(attachments, core1_0.PipelineColorBlendAttachmentState{
			BlendEnabled:        attachment.BlendEnable,
			SrcColorBlendFactor: core1_0.BlendFactor(attachment.SrcColorFactor),
			DstColorBlendFactor: core1_0.BlendFactor(attachment.DstColorFactor),
			ColorBlendOp:        core1_0.BlendOp(attachment.ColorOp),
			SrcAlphaBlendFactor: core1_0.BlendFactor(attachment.SrcAlphaFactor),
			DstAlphaBlendFactor: core1_0.BlendFactor(attachment.DstAlphaFactor),
			AlphaBlendOp:        core1_0.BlendOp(attachment.AlphaOp),
			ColorWriteMask:      core1_0.ColorComponentFlags(attachment.WriteMask),
		})
	}

	lineWidth := info.LineWidth
	if lineWidth == 0 {
		lineWidth = 1
	}

	var cache *core1_0.PipelineCache
	d.mutex.Lock()
	if d.hasPipelineCache {
		cache = &d.pipelineCache
	}
	d.mutex.Unlock()

	pipelines, res, err := d.driver.CreateGraphicsPipelines(cache, nil, core1_0.GraphicsPipelineCreateInfo{
		Stages:           stages,
		VertexInputState: vertexInput,
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopology(info.Topology),
		},
		// Viewport and scissor are dynamic, these only establish the counts
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{{Width: 1, Height: 1, MaxDepth: 1}},
			Scissors:  []core1_0.Rect2D{{Extent: core1_0.Extent2D{Width: 1, Height: 1}}},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: core1_0.PolygonMode(info.PolygonMode),
			CullMode:    core1_0.CullModeFlags(info.CullMode),
			FrontFace:   core1_0.FrontFace(info.FrontFace),
			LineWidth:   lineWidth,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.SampleCountFlags(max(info.Samples, 1)),
			MinSampleShading:     1.0,
		},
		DepthStencilState: &core1_0.PipelineDepthStencilStateCreateInfo{
			DepthTestEnable:  info.DepthTest,
			DepthWriteEnable: info.DepthWrite,
			DepthCompareOp:   core1_0.CompareOp(info.DepthCompare),
		},
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			LogicOp:     core1_0.LogicOpCopy,
			Attachments: attachments,
		},
		DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
			DynamicStates: []core1_0.DynamicState{
				core1_0.DynamicStateViewport,
				core1_0.DynamicStateScissor,
			},
		},
		Layout:            layout,
		RenderPass:        renderPass,
		Subpass:           info.Subpass,
		BasePipelineIndex: -1,
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a graphics pipeline")
	}
	if len(pipelines) != 1 {
		return driver.NullHandle, errors.Newf("expected 1 pipeline to be created, but received %d", len(pipelines))
	}

	return register(d, d.pipelines, pipelines[0]), nil
}

func (d *Device) CreateSampler(info driver.SamplerInfo) (driver.Handle, error) {
	sampler, res, err := d.driver.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:        core1_0.Filter(info.MagFilter),
		MinFilter:        core1_0.Filter(info.MinFilter),
		MipmapMode:       core1_0.SamplerMipmapMode(info.MipmapMode),
		AddressModeU:     core1_0.SamplerAddressMode(info.AddressU),
		AddressModeV:     core1_0.SamplerAddressMode(info.AddressV),
		AddressModeW:     core1_0.SamplerAddressMode(info.AddressW),
		AnisotropyEnable: info.MaxAnisotropy > 0,
		MaxAnisotropy:    info.MaxAnisotropy,
		CompareEnable:    info.CompareEnable,
		CompareOp:        core1_0.CompareOp(info.CompareOp),
		MinLod:           info.MinLod,
		MaxLod:           info.MaxLod,
		BorderColor:      core1_0.BorderColor(info.BorderColor),
	})
	if err != nil {
		return driver.NullHandle, wrapResult(res, err, "creating a sampler")
	}

	return register(d, d.samplers, sampler), nil
}

func (d *Device) DestroyObject(kind driver.ObjectKind, handle driver.Handle) {
	var ok bool
	switch kind {
	case driver.ObjectDescriptorSetLayout:
		var layout core1_0.DescriptorSetLayout
		if layout, ok = unregister(d, d.descriptorSetLayouts, handle); ok {
			d.driver.DestroyDescriptorSetLayout(layout, nil)
		}
	case driver.ObjectPipelineLayout:
		var layout core1_0.PipelineLayout
		if layout, ok = unregister(d, d.pipelineLayouts, handle); ok {
			d.driver.DestroyPipelineLayout(layout, nil)
		}
	case driver.ObjectPipeline:
		var pipeline core1_0.Pipeline
		if pipeline, ok = unregister(d, d.pipelines, handle); ok {
			d.driver.DestroyPipeline(pipeline, nil)
		}
	case driver.ObjectSampler:
		var sampler core1_0.Sampler
		if sampler, ok = unregister(d, d.samplers, handle); ok {
			d.driver.DestroySampler(sampler, nil)
		}
	}

	if !ok {
		panic(driver.Invariantf("destroying unknown %s %d", kind, handle))
	}
}

func (d *Device) LoadPipelineCache(data []byte) error {
	cache, res, err := d.driver.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{
		InitialData: data,
	})
	if err != nil {
		return wrapResult(res, err, "creating a pipeline cache from %d bytes", len(data))
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.hasPipelineCache {
		d.driver.DestroyPipelineCache(d.pipelineCache, nil)
	}
	d.pipelineCache = cache
	d.hasPipelineCache = true
	return nil
}

func (d *Device) PipelineCacheData() ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.hasPipelineCache {
		return nil, nil
	}

	data, res, err := d.driver.GetPipelineCacheData(d.pipelineCache)
	if err != nil {
		return nil, wrapResult(res, err, "reading pipeline cache data")
	}
	return data, nil
}

// Destroy releases the pipeline cache. Every other object must already be destroyed by its owner.
func (d *Device) Destroy() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.hasPipelineCache {
		d.driver.DestroyPipelineCache(d.pipelineCache, nil)
		d.hasPipelineCache = false
	}
}
