// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugin_test

import (
	"context"
	"path/filepath"
	"runtime"
	"unsafe"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/plugin/capability"
)

// callString calls h with a NUL-terminated copy of s.
func callString(h *plugin.Hook, s string) int32 {
	buf := append([]byte(s), 0)
	status, err := h.Call(unsafe.Pointer(&buf[0]))
	runtime.KeepAlive(buf)
	Expect(err).NotTo(HaveOccurred())
	return status
}

// echoCalls reads the plugin's successful echo_hook count.
func echoCalls(p *plugin.Plugin) int32 {
	h, err := p.Hook("echo_calls")
	Expect(err).NotTo(HaveOccurred())
	status, err := h.Call(nil)
	Expect(err).NotTo(HaveOccurred())
	return status
}

var _ = Describe("Native plugin lifecycle", func() {
	var (
		ctx  context.Context
		root string
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = filepath.Join(GinkgoT().TempDir(), "root")
	})

	newManager := func(opts ...plugin.Option) *plugin.Manager {
		mgr, err := plugin.NewManager(append([]plugin.Option{plugin.WithRootDir(root)}, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mgr.Close)
		return mgr
	}

	Describe("a reusable plugin", func() {
		It("loads, starts, calls hooks and terminates", func() {
			mgr := newManager()
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)

			Expect(p.Name()).To(Equal("echo"))
			Expect(p.IsValid()).To(BeTrue())
			Expect(p.IsStarted()).To(BeFalse())
			Expect(p.SymbolPresent(plugin.DefaultEntryPoint)).To(BeTrue())
			Expect(p.SymbolPresent(plugin.DestructorSymbol)).To(BeTrue())
			Expect(p.SymbolPresent("not_there")).To(BeFalse())

			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())
			Expect(p.IsStarted()).To(BeTrue())

			h, err := mgr.Hook(p, "echo_hook")
			Expect(err).NotTo(HaveOccurred())
			Expect(callString(h, "hello")).To(Equal(int32(5)))
			Expect(callString(h, "")).To(Equal(int32(0)))
			status, err := h.Call(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(int32(-1)))
			Expect(echoCalls(p)).To(Equal(int32(2)))

			Expect(p.Terminate(ctx)).To(Succeed())
			Expect(p.IsStarted()).To(BeFalse())
			Expect(p.IsValid()).To(BeTrue())

			_, err = p.Hook("echo_hook")
			Expect(plugin.HasCode(err, plugin.CodeInvalidPlugin)).To(BeTrue())
		})

		It("can be started again after terminating", func() {
			mgr := newManager()
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)

			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())
			h, err := p.Hook("echo_hook")
			Expect(err).NotTo(HaveOccurred())
			callString(h, "abc")
			Expect(echoCalls(p)).To(Equal(int32(1)))
			Expect(p.Terminate(ctx)).To(Succeed())

			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())
			Expect(echoCalls(p)).To(BeZero())
		})

		It("resolves functions with custom signatures", func() {
			mgr := newManager()
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)
			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())

			add, err := plugin.CustomHook[func(a, b int32) int32](p, "echo_add")
			Expect(err).NotTo(HaveOccurred())

			var sum int32
			Expect(add.Do(func(fn func(a, b int32) int32) { sum = fn(40, 2) })).To(Succeed())
			Expect(sum).To(Equal(int32(42)))

			addr, err := p.Address("echo_add")
			Expect(err).NotTo(HaveOccurred())
			Expect(addr).NotTo(BeZero())
		})

		It("rejects a second start", func() {
			mgr := newManager()
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)

			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())
			err = mgr.BeginPlugin(ctx, p)
			Expect(plugin.HasCode(err, plugin.CodeFailedToInitialize)).To(BeTrue())
		})
	})

	Describe("a non-reusable plugin", func() {
		It("unloads its library on terminate", func() {
			mgr := newManager(plugin.WithNonReusable())
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)

			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())
			h, err := p.Hook("echo_hook")
			Expect(err).NotTo(HaveOccurred())

			Expect(p.Terminate(ctx)).To(Succeed())
			Expect(p.IsValid()).To(BeFalse())
			Expect(p.SymbolPresent("echo_hook")).To(BeFalse())

			_, err = h.Call(nil)
			Expect(plugin.HasCode(err, plugin.CodeInvalidPlugin)).To(BeTrue())

			err = mgr.BeginPlugin(ctx, p)
			Expect(plugin.HasCode(err, plugin.CodeInvalidPlugin)).To(BeTrue())
		})
	})

	Describe("force termination", func() {
		It("unloads without running the destructor", func() {
			mgr := newManager()
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)

			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())
			p.ForceTerminate(ctx)
			Expect(p.IsStarted()).To(BeFalse())
			Expect(p.IsValid()).To(BeFalse())

			// A second force terminate is harmless.
			p.ForceTerminate(ctx)
		})
	})

	Describe("working directories", func() {
		It("removes the plugin's directory on close and the root with the manager", func() {
			mgr, err := plugin.NewManager(plugin.WithRootDir(root))
			Expect(err).NotTo(HaveOccurred())

			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			workdir := p.WorkDir()
			Expect(filepath.Join(workdir, "libecho.so")).To(BeAnExistingFile())

			Expect(p.Close()).To(Succeed())
			Expect(workdir).NotTo(BeAnExistingFile())

			Expect(mgr.Close()).To(Succeed())
			Expect(root).NotTo(BeAnExistingFile())
		})

		It("refuses a second live copy of the same plugin", func() {
			mgr := newManager()
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)

			_, err = mgr.LoadPlugin(ctx, echoArchive)
			Expect(plugin.HasCode(err, plugin.CodeInvalidPlugin)).To(BeTrue())
		})
	})

	Describe("symbol policy", func() {
		It("limits which symbols a plugin may resolve", func() {
			policy := capability.NewEnforcer()
			Expect(policy.SetGrants("echo", []string{"echo_hook", "echo_calls"})).To(Succeed())

			mgr := newManager(plugin.WithSymbolPolicy(policy))
			p, err := mgr.LoadPlugin(ctx, echoArchive)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(p.Close)
			Expect(mgr.BeginPlugin(ctx, p)).To(Succeed())

			_, err = p.Hook("echo_hook")
			Expect(err).NotTo(HaveOccurred())

			_, err = plugin.CustomHook[func(a, b int32) int32](p, "echo_add")
			Expect(plugin.HasCode(err, plugin.CodePermissionDenied)).To(BeTrue())
		})
	})
})
