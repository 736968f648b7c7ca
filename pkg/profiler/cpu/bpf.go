// Copyright 2024 The Flamelet Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cpu

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/flamelet/flamelet/pkg/cpuinfo"
	"github.com/flamelet/flamelet/pkg/rlimit"
)

// Always needs to be in sync with MAX_STACK_DEPTH in the BPF program.
const stackDepth = 127

// bpfObjects are the program and maps assigned out of the pre-built BPF
// object. Names match the BPF sources.
type bpfObjects struct {
	SampleStack *ebpf.Program `ebpf:"sample_stack"`

	StackTraces *ebpf.Map `ebpf:"stack_traces"`
	StackCounts *ebpf.Map `ebpf:"stack_counts"`
	DropTotal   *ebpf.Map `ebpf:"drop_total"`
}

func (o *bpfObjects) Close() error {
	var err error
	if o.SampleStack != nil {
		err = errors.Join(err, o.SampleStack.Close())
	}
	for _, m := range []*ebpf.Map{o.StackTraces, o.StackCounts, o.DropTotal} {
		if m != nil {
			err = errors.Join(err, m.Close())
		}
	}
	return err
}

type perfEvent struct {
	fd  int
	cpu int
}

// attach loads the BPF object, rewrites its configuration constants and
// attaches the program to a software clock perf event on every online CPU.
func (p *CPU) attach() error {
	f, err := os.Open(p.config.BPFObjectPath)
	if err != nil {
		return fmt.Errorf("open BPF object: %w", err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return fmt.Errorf("load BPF collection spec: %w", err)
	}

	captureUser := uint8(0)
	captureKernel := uint8(0)
	switch p.config.CaptureMode {
	case CaptureUser:
		captureUser = 1
	case CaptureKernel:
		captureKernel = 1
	default:
		captureUser, captureKernel = 1, 1
	}
	if err := spec.RewriteConstants(map[string]interface{}{
		"capture_user":   captureUser,
		"capture_kernel": captureKernel,
		"target_pid":     int32(p.config.TargetPID),
		"target_cgroup":  p.config.TargetCgroupID,
	}); err != nil {
		return fmt.Errorf("rewrite constants: %w", err)
	}

	limit, err := rlimit.BumpMemlock(p.config.MemlockRlimit, p.config.MemlockRlimit)
	if err != nil {
		return fmt.Errorf("bump memlock: %w", err)
	}
	level.Debug(p.logger).Log("msg", "actual memory locked rlimit",
		"cur", rlimit.HumanizeRLimit(limit.Cur), "max", rlimit.HumanizeRLimit(limit.Max))

	objs := &bpfObjects{}
	if err := spec.LoadAndAssign(objs, nil); err != nil {
		return fmt.Errorf("load and assign BPF objects: %w", err)
	}
	p.objs = objs

	cpus, err := cpuinfo.OnlineCPUs()
	if err != nil {
		p.detach()
		return fmt.Errorf("read online CPUs: %w", err)
	}

	if err := p.openPerfEvents(cpus.All()); err != nil {
		p.detach()
		return err
	}
	return nil
}

func (p *CPU) openPerfEvents(cpus []int) error {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample: p.config.SamplingFrequency,
		Bits:   unix.PerfBitFreq,
	}

	for _, cpu := range cpus {
		fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return fmt.Errorf("open perf event on cpu %d: %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, p.objs.SampleStack.FD()); err != nil {
			unix.Close(fd)
			return fmt.Errorf("attach BPF program to perf event on cpu %d: %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			unix.Close(fd)
			return fmt.Errorf("enable perf event on cpu %d: %w", cpu, err)
		}
		p.events = append(p.events, perfEvent{fd: fd, cpu: cpu})
	}
	return nil
}

// detach disables and closes the perf events, then releases the BPF
// program and maps.
func (p *CPU) detach() {
	for _, ev := range p.events {
		if err := unix.IoctlSetInt(ev.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			level.Debug(p.logger).Log("msg", "failed to disable perf event", "cpu", ev.cpu, "err", err)
		}
		if err := unix.Close(ev.fd); err != nil {
			level.Debug(p.logger).Log("msg", "failed to close perf event", "cpu", ev.cpu, "err", err)
		}
	}
	p.events = nil

	if p.objs != nil {
		if err := p.objs.Close(); err != nil {
			level.Debug(p.logger).Log("msg", "failed to close BPF objects", "err", err)
		}
		p.objs = nil
	}
}
