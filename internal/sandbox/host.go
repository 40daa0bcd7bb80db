package sandbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/blufio/blufio/internal/errs"
)

// maxHTTPResponseBytes bounds the guest-visible HTTP response body; larger
// bodies are truncated, never streamed whole into guest memory.
const maxHTTPResponseBytes = 50 * 1024

// trap is panicked from inside a host function to signal the guest should
// be aborted with a structured reason rather than receiving a return code.
// invocation.call recovers it and turns it into an *errs.Error.
type trap struct {
	reason errs.SkillReason
	cause  error
	detail string
}

func (t trap) panicTrap() { panic(t) }

// invocation is the per-call state shared by every host function registered
// for a single guest call. Nothing here outlives one Invoke.
type invocation struct {
	input   []byte
	output  []byte
	grant   *grant
	logger  *slog.Logger
	client  *http.Client
	skill   string
}

// buildHostModule registers the host functions a guest module can import
// under the "env" module name. Always-available functions never fail;
// capability-gated functions trap via inv's grant checks.
func buildHostModule(ctx context.Context, rt wazero.Runtime, inv *invocation) (api.Closer, error) {
	builder := rt.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length int32) {
		msg := readGuestString(mod, ptr, length)
		logLevel(inv.logger, level, msg, inv.skill)
	}).Export("log")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module) int32 {
		return int32(len(inv.input))
	}).Export("get_input_len")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr int32) {
		if !mod.Memory().Write(uint32(ptr), inv.input) {
			trap{reason: errs.SkillReasonUserRuntime, detail: "get_input: out of bounds write"}.panicTrap()
		}
	}).Export("get_input")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr, length int32) {
		buf, ok := mod.Memory().Read(uint32(ptr), uint32(length))
		if !ok {
			trap{reason: errs.SkillReasonUserRuntime, detail: "set_output: out of bounds read"}.panicTrap()
		}
		inv.output = append([]byte(nil), buf...)
	}).Export("set_output")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module,
		urlPtr, urlLen, methodPtr, methodLen, bodyPtr, bodyLen, outPtr, outCap int32) int32 {
		return hostHTTPRequest(ctx, mod, inv, urlPtr, urlLen, methodPtr, methodLen, bodyPtr, bodyLen, outPtr, outCap)
	}).Export("http_request")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module,
		pathPtr, pathLen, outPtr, outCap int32) int32 {
		return hostReadFile(mod, inv, pathPtr, pathLen, outPtr, outCap)
	}).Export("read_file")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module,
		pathPtr, pathLen, dataPtr, dataLen int32) int32 {
		return hostWriteFile(mod, inv, pathPtr, pathLen, dataPtr, dataLen)
	}).Export("write_file")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module,
		keyPtr, keyLen, outPtr, outCap int32) int32 {
		return hostGetEnv(mod, inv, keyPtr, keyLen, outPtr, outCap)
	}).Export("get_env")

	return builder.Instantiate(ctx)
}

func logLevel(logger *slog.Logger, level int32, msg, skill string) {
	if logger == nil {
		return
	}
	args := []any{"skill", skill}
	switch level {
	case 0:
		logger.Debug(msg, args...)
	case 2:
		logger.Warn(msg, args...)
	case 3:
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

func hostHTTPRequest(ctx context.Context, mod api.Module, inv *invocation,
	urlPtr, urlLen, methodPtr, methodLen, bodyPtr, bodyLen, outPtr, outCap int32) int32 {
	rawURL := readGuestString(mod, urlPtr, urlLen)
	if !inv.grant.allowNetwork(ctx, rawURL) {
		trap{reason: errs.SkillReasonCapabilityDenied, detail: "network capability denied for " + rawURL}.panicTrap()
	}
	method := readGuestString(mod, methodPtr, methodLen)
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if bodyLen > 0 {
		body := readGuestBytes(mod, bodyPtr, bodyLen)
		bodyReader = newByteReader(body)
	}

	client := inv.client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return -1
	}
	resp, err := client.Do(req)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxHTTPResponseBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return -1
	}
	return writeGuestBounded(mod, outPtr, outCap, data)
}

func hostReadFile(mod api.Module, inv *invocation, pathPtr, pathLen, outPtr, outCap int32) int32 {
	path := readGuestString(mod, pathPtr, pathLen)
	if !inv.grant.allowFileRead(path) {
		trap{reason: errs.SkillReasonCapabilityDenied, detail: "filesystem.read capability denied for " + path}.panicTrap()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	return writeGuestBounded(mod, outPtr, outCap, data)
}

func hostWriteFile(mod api.Module, inv *invocation, pathPtr, pathLen, dataPtr, dataLen int32) int32 {
	path := readGuestString(mod, pathPtr, pathLen)
	if !inv.grant.allowFileWrite(path) {
		trap{reason: errs.SkillReasonCapabilityDenied, detail: "filesystem.write capability denied for " + path}.panicTrap()
	}
	data := readGuestBytes(mod, dataPtr, dataLen)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return -1
	}
	return int32(len(data))
}

func hostGetEnv(mod api.Module, inv *invocation, keyPtr, keyLen, outPtr, outCap int32) int32 {
	key := readGuestString(mod, keyPtr, keyLen)
	if !inv.grant.allowEnv(key) {
		trap{reason: errs.SkillReasonCapabilityDenied, detail: "env capability denied for " + key}.panicTrap()
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		return -1
	}
	return writeGuestBounded(mod, outPtr, outCap, []byte(val))
}

func readGuestBytes(mod api.Module, ptr, length int32) []byte {
	if length <= 0 {
		return nil
	}
	buf, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		trap{reason: errs.SkillReasonUserRuntime, detail: "guest memory read out of bounds"}.panicTrap()
	}
	return buf
}

func readGuestString(mod api.Module, ptr, length int32) string {
	return string(readGuestBytes(mod, ptr, length))
}

// writeGuestBounded copies data into guest memory at ptr, truncating to
// outCap, and returns the number of bytes written (or -1 on out-of-bounds).
func writeGuestBounded(mod api.Module, ptr, outCap int32, data []byte) int32 {
	if int32(len(data)) > outCap {
		data = data[:outCap]
	}
	if !mod.Memory().Write(uint32(ptr), data) {
		return -1
	}
	return int32(len(data))
}

func newByteReader(b []byte) io.Reader { return &byteReaderCloser{data: b} }

type byteReaderCloser struct {
	data []byte
	pos  int
}

func (r *byteReaderCloser) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
