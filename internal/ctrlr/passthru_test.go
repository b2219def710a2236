package ctrlr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

func adminReq(h *harness, opc uint8, bufs ...[]byte) *Request {
	req := &Request{Qpair: h.qp, Buffers: bufs}
	req.Cmd.SetHeader(opc, nvme.FuseNone, 9)
	for _, b := range bufs {
		req.Length += uint32(len(b))
	}
	return req
}

func TestPassthruAdminMultipleBuffers(t *testing.T) {
	h := newHarness(t)
	req := adminReq(h, nvme.AdminIdentify, make([]byte, 2048), make([]byte, 2048))

	h.d.ExecuteAdmin(req)

	assert.Empty(t, h.ch.attempts)
	assert.Equal(t, 1, h.completions(req))
	assert.Equal(t, nvme.SCInternalDeviceError, req.Rsp.Status.SC)
	assert.True(t, req.Rsp.Status.DNR)
}

func TestPassthruAdminHookRunsBeforeCompletion(t *testing.T) {
	h := newHarness(t)
	buf := make([]byte, 4096)
	req := adminReq(h, nvme.AdminIdentify, buf)

	var seenDone int
	hook := func(r *Request) {
		seenDone = len(h.done)
		r.Buffers[0][0] = 0xaa
	}

	require.Equal(t, ExecAsynchronous, h.d.PassthruAdmin(req, hook))
	require.Len(t, h.ch.subs, 1)
	assert.Equal(t, bdev.IOTypeNVMeAdmin, h.ch.subs[0].op)
	assert.Equal(t, uint32(4096), h.ch.subs[0].length)
	assert.Len(t, h.ch.subs[0].buf, 4096)

	h.ch.finish(0, &fakeIO{cdw0: 0x1234}, true)

	assert.Equal(t, 0, seenDone, "hook ran after delivery")
	assert.Equal(t, byte(0xaa), buf[0])
	assert.Equal(t, 1, h.completions(req))
	assert.Equal(t, uint32(0x1234), req.Rsp.CDW0)
	assert.True(t, req.Rsp.Status.IsSuccess())
}

func TestPassthruAdminNoBuffer(t *testing.T) {
	h := newHarness(t)
	req := adminReq(h, nvme.AdminGetFeatures)

	require.Equal(t, ExecAsynchronous, h.d.PassthruAdmin(req, nil))
	assert.Nil(t, h.ch.subs[0].buf)

	h.ch.finish(0, okIO(), true)
	assert.Equal(t, 1, h.completions(req))
}

func TestPassthruAdminSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sc   uint8
	}{
		{"not supported", bdev.ErrNotSupported, nvme.SCInvalidOpcode},
		{"other", errors.New("io error"), nvme.SCInternalDeviceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ch.errs = []error{tt.err}
			req := adminReq(h, nvme.AdminGetLogPage, make([]byte, 512))

			h.d.ExecuteAdmin(req)

			assert.Equal(t, 1, h.completions(req))
			assert.Equal(t, nvme.SCTGeneric, req.Rsp.Status.SCT)
			assert.Equal(t, tt.sc, req.Rsp.Status.SC)
			assert.True(t, req.Rsp.Status.DNR)
			assert.Empty(t, h.ch.waits)
		})
	}
}

func TestPassthruAdminNoMemoryReplays(t *testing.T) {
	h := newHarness(t)
	h.ch.errs = []error{bdev.ErrNoMemory}
	req := adminReq(h, nvme.AdminIdentify, make([]byte, 4096))
	req.CmdCallback = func(*Request) {}

	h.d.ExecuteAdmin(req)
	require.Len(t, h.ch.waits, 1)
	assert.Empty(t, h.done)
	assert.Equal(t, uint64(1), h.qp.Stats.PendingBdevIO)

	h.ch.wake()
	require.Len(t, h.ch.subs, 1)
	assert.Equal(t, h.ch.attempts[0].cmd, h.ch.subs[0].cmd)

	h.ch.finish(0, okIO(), true)
	assert.Equal(t, 1, h.completions(req))
}

func TestPassthruIO(t *testing.T) {
	h := newHarness(t)
	req := h.rw(0x80, 0, 1, 512)

	require.Equal(t, ExecAsynchronous, h.d.ProcessIOCmd(req))
	require.Len(t, h.ch.subs, 1)
	assert.Equal(t, bdev.IOTypeNVMeIO, h.ch.subs[0].op)
	assert.Equal(t, uint8(0x80), h.ch.subs[0].cmd.Opcode())

	h.ch.finish(0, failIO(nvme.SCTCommandSpecific, 0x90), false)
	assert.Equal(t, 1, h.completions(req))
	assert.Equal(t, nvme.SCTCommandSpecific, req.Rsp.Status.SCT)
	assert.Equal(t, uint8(0x90), req.Rsp.Status.SC)
}

func TestPassthruIORejected(t *testing.T) {
	h := newHarness(t)
	h.ch.errs = []error{errors.New("nope")}
	req := h.rw(0x81, 0, 1, 0)

	h.d.ExecuteIO(req)
	assert.Equal(t, 1, h.completions(req))
	assert.Equal(t, nvme.SCInvalidOpcode, req.Rsp.Status.SC)
	assert.True(t, req.Rsp.Status.DNR)
}

func abortReq(h *harness, target *Request) *Request {
	req := adminReq(h, nvme.AdminAbort)
	req.AbortTarget = target
	req.Rsp.CDW0 = 1
	return req
}

func TestAbortSuccess(t *testing.T) {
	h := newHarness(t)
	target := h.rw(nvme.OpRead, 0, 1, 512)
	req := abortReq(h, target)

	require.Equal(t, ExecAsynchronous, h.d.ProcessAdminCmd(req))
	require.Len(t, h.ch.subs, 1)
	assert.Equal(t, bdev.IOTypeAbort, h.ch.subs[0].op)
	assert.Same(t, target, h.ch.subs[0].target)

	h.ch.finish(0, okIO(), true)
	assert.Equal(t, 1, h.completions(req))
	assert.Equal(t, uint32(0), req.Rsp.CDW0&1)
}

func TestAbortNotFound(t *testing.T) {
	h := newHarness(t)
	req := abortReq(h, h.rw(nvme.OpRead, 0, 1, 512))

	require.Equal(t, ExecAsynchronous, h.d.ProcessAdminCmd(req))
	h.ch.finish(0, okIO(), false)

	assert.Equal(t, 1, h.completions(req))
	assert.Equal(t, uint32(1), req.Rsp.CDW0&1)
	assert.True(t, req.Rsp.Status.IsSuccess())
}

func TestAbortSubmitErrors(t *testing.T) {
	t.Run("no memory", func(t *testing.T) {
		h := newHarness(t)
		h.ch.errs = []error{bdev.ErrNoMemory}
		req := abortReq(h, h.rw(nvme.OpRead, 0, 1, 512))

		h.d.ExecuteAdmin(req)
		assert.Empty(t, h.done)
		h.ch.wake()
		require.Len(t, h.ch.subs, 1)
		h.ch.finish(0, okIO(), true)
		assert.Equal(t, 1, h.completions(req))
		assert.Equal(t, uint32(0), req.Rsp.CDW0&1)
	})

	t.Run("other", func(t *testing.T) {
		h := newHarness(t)
		h.ch.errs = []error{errors.New("gone")}
		req := abortReq(h, h.rw(nvme.OpRead, 0, 1, 512))

		h.d.ExecuteAdmin(req)
		assert.Equal(t, 1, h.completions(req))
		assert.Equal(t, uint32(1), req.Rsp.CDW0&1, "response untouched")
		assert.True(t, req.Rsp.Status.IsSuccess())
	})
}

func TestProcessAdminRoutesPassthrough(t *testing.T) {
	h := newHarness(t)
	called := false
	req := adminReq(h, nvme.AdminIdentify, make([]byte, 4096))
	req.CmdCallback = func(*Request) { called = true }

	require.Equal(t, ExecAsynchronous, h.d.ProcessAdminCmd(req))
	assert.Equal(t, bdev.IOTypeNVMeAdmin, h.ch.subs[0].op)
	h.ch.finish(0, okIO(), true)
	assert.True(t, called)
}
