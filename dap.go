package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/tidwall/gjson"

	"github.com/perlide/perl-debugger/internal/bridge"
	"github.com/perlide/perl-debugger/internal/session"
	"github.com/perlide/perl-debugger/internal/source"
)

const launchTimeout = 10 * time.Second

// errShutdown ends a connection loop after a disconnect or terminate
// request has been answered.
var errShutdown = errors.New("session shut down")

func dapServer(port string) error {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	defer listener.Close()
	slog.Info("Started server", "addr", listener.Addr())

	// Classifications are keyed by content fingerprint, so one cache can
	// serve every connection.
	index := source.NewIndex()
	for {
		conn, err := listener.Accept()
		if err != nil {
			slog.Error("Connection failed", "err", err)
			continue
		}
		slog.Info("Accepted connection", "remote", conn.RemoteAddr())
		go handleConnection(conn, index)
	}
}

func dapStdin() error {
	slog.Info("starting DAP using STDIN/STDOUT as communication protocol")
	rw := bufio.NewReadWriter(bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
	runSession(newDebugSession(rw, source.NewIndex()))
	return nil
}

func handleConnection(conn net.Conn, index *source.Index) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	runSession(newDebugSession(rw, index))
	slog.Debug("Closing connection", "remote", conn.RemoteAddr())
}

func runSession(ds *PerlDebugSession) {
	var senderWg sync.WaitGroup
	senderWg.Add(1)
	go func() {
		defer senderWg.Done()
		ds.sendFromQueue()
	}()

	for {
		err := ds.handleRequest()
		if err != nil {
			if err == io.EOF {
				slog.Debug("No more data to read")
			} else if !errors.Is(err, errShutdown) {
				slog.Error("Server error", "err", err)
			}
			break
		}
	}

	ds.session.Disconnect()
	ds.forwardWg.Wait()
	close(ds.sendQueue)
	senderWg.Wait()
}

// PerlDebugSession ties one client connection to one debuggee. Requests are
// handled synchronously on the connection loop; the only other senders are
// the bridge event forwarder, so responses and the events a request causes
// reach the queue in causal order.
type PerlDebugSession struct {
	// rw is used to read requests and write events/responses.
	rw *bufio.ReadWriter

	// sendQueue serializes all outgoing messages through a single writer
	// goroutine. Sequence numbers are stamped at enqueue time under sendMu,
	// so queue order is seq order.
	sendQueue chan dap.Message
	sendMu    sync.Mutex

	session *session.Session

	// newBridge builds the debuggee bridge for a launch request and
	// newRemote the one for an attach request. Tests substitute fakes.
	newBridge func(perl, program string, args, includes []string) bridge.Bridge
	newRemote func(addr string) bridge.Bridge

	forwardWg sync.WaitGroup
}

func newDebugSession(rw *bufio.ReadWriter, index *source.Index) *PerlDebugSession {
	return &PerlDebugSession{
		rw:        rw,
		sendQueue: make(chan dap.Message),
		session:   session.New(index),
		newBridge: func(perl, program string, args, includes []string) bridge.Bridge {
			pd := bridge.NewPerlDB(program, args, includes)
			pd.Perl = perl
			return pd
		},
		newRemote: func(addr string) bridge.Bridge {
			return bridge.NewRemoteDB(addr)
		},
	}
}

func (ds *PerlDebugSession) handleRequest() error {
	request, err := dap.ReadProtocolMessage(ds.rw.Reader)
	if err != nil {
		return err
	}
	slog.Debug("received request", "request", fmt.Sprintf("%#v", request))
	return ds.dispatchRequest(request)
}

func (ds *PerlDebugSession) dispatchRequest(request dap.Message) error {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		ds.onInitializeRequest(request)
	case *dap.LaunchRequest:
		ds.onLaunchRequest(request)
	case *dap.AttachRequest:
		ds.onAttachRequest(request)
	case *dap.DisconnectRequest:
		ds.onDisconnectRequest(request)
		return errShutdown
	case *dap.TerminateRequest:
		ds.onTerminateRequest(request)
		return errShutdown
	case *dap.SetBreakpointsRequest:
		ds.onSetBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		ds.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		ds.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		ds.onContinueRequest(request)
	case *dap.NextRequest:
		ds.onNextRequest(request)
	case *dap.StepInRequest:
		ds.onStepInRequest(request)
	case *dap.StepOutRequest:
		ds.onStepOutRequest(request)
	case *dap.PauseRequest:
		ds.onPauseRequest(request)
	case *dap.StackTraceRequest:
		ds.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		ds.onScopesRequest(request)
	case *dap.VariablesRequest:
		ds.onVariablesRequest(request)
	case *dap.EvaluateRequest:
		ds.onEvaluateRequest(request)
	case *dap.ThreadsRequest:
		ds.onThreadsRequest(request)
	case *dap.SourceRequest:
		ds.send(newErrorResponse(request.Seq, request.Command, "source content requests are not supported"))
	default:
		if req, ok := request.(dap.RequestMessage); ok {
			r := req.GetRequest()
			ds.send(newErrorResponse(r.Seq, r.Command, r.Command+" is not supported"))
		} else {
			slog.Warn("dropping unexpected message", "message", fmt.Sprintf("%#v", request))
		}
	}
	return nil
}

// send stamps the message with the next sequence number and queues it.
// Responses and events share one counter; holding sendMu across both steps
// keeps seq order identical to wire order.
func (ds *PerlDebugSession) send(message dap.Message) {
	ds.sendMu.Lock()
	defer ds.sendMu.Unlock()
	seq := ds.session.NextSeq()
	switch m := message.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	}
	ds.sendQueue <- message
}

// sendFromQueue runs in its own goroutine and is the only writer on the
// connection. It returns once the queue is closed.
func (ds *PerlDebugSession) sendFromQueue() {
	for message := range ds.sendQueue {
		if err := dap.WriteProtocolMessage(ds.rw.Writer, message); err != nil {
			slog.Error("writing message", "err", err)
			continue
		}
		slog.Debug("message sent", "data", message)
		ds.rw.Flush()
	}
}

// forwardBridgeEvents translates asynchronous debuggee notifications into
// client events. It exits when the bridge closes its event channel after
// the debuggee has gone away.
func (ds *PerlDebugSession) forwardBridgeEvents(events <-chan bridge.Event) {
	defer ds.forwardWg.Done()
	for event := range events {
		switch ev := event.(type) {
		case bridge.StoppedEvent:
			rearmed, emit := ds.session.HandleStopped(ev)
			for _, bp := range rearmed {
				ds.send(&dap.BreakpointEvent{
					Event: *newEvent("breakpoint"),
					Body: dap.BreakpointEventBody{
						Reason:     "changed",
						Breakpoint: toDAPBreakpoint(bp),
					},
				})
			}
			if emit {
				ds.send(&dap.StoppedEvent{
					Event: *newEvent("stopped"),
					Body: dap.StoppedEventBody{
						Reason:            ev.Reason.String(),
						ThreadId:          session.MainThreadID,
						AllThreadsStopped: true,
						Text:              ev.Text,
					},
				})
			}
		case bridge.OutputEvent:
			ds.send(&dap.OutputEvent{
				Event: *newEvent("output"),
				Body:  dap.OutputEventBody{Category: ev.Category, Output: ev.Text},
			})
		case bridge.ExitedEvent:
			ds.session.HandleExited()
			ds.send(&dap.ExitedEvent{
				Event: *newEvent("exited"),
				Body:  dap.ExitedEventBody{ExitCode: ev.Code},
			})
			ds.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
		}
	}
}

// -----------------------------------------------------------------------
// Request Handlers

func (ds *PerlDebugSession) onInitializeRequest(request *dap.InitializeRequest) {
	if err := ds.session.Initialize(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}

	response := &dap.InitializeResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportTerminateDebuggee = true
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsHitConditionalBreakpoints = false
	response.Body.SupportsEvaluateForHovers = false
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{}
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetVariable = false
	response.Body.SupportsRestartFrame = false
	response.Body.SupportsGotoTargetsRequest = false
	response.Body.SupportsStepInTargetsRequest = false
	response.Body.SupportsCompletionsRequest = false
	response.Body.SupportsModulesRequest = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsExceptionOptions = false
	response.Body.SupportsValueFormattingOptions = false
	response.Body.SupportsExceptionInfoRequest = false
	response.Body.SupportsDelayedStackTraceLoading = false
	response.Body.SupportsLoadedSourcesRequest = false
	response.Body.SupportsLogPoints = false
	response.Body.SupportsTerminateThreadsRequest = false
	response.Body.SupportsSetExpression = false
	response.Body.SupportsDataBreakpoints = false
	response.Body.SupportsReadMemoryRequest = false
	response.Body.SupportsDisassembleRequest = false
	response.Body.SupportsCancelRequest = false
	response.Body.SupportsBreakpointLocationsRequest = false

	ds.send(response)
	ds.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (ds *PerlDebugSession) onLaunchRequest(request *dap.LaunchRequest) {
	args := string(request.Arguments)
	program := gjson.Get(args, "program").String()
	if program == "" {
		ds.send(newErrorResponse(request.Seq, request.Command, "launch arguments must name a program"))
		return
	}
	var programArgs []string
	for _, a := range gjson.Get(args, "args").Array() {
		programArgs = append(programArgs, a.String())
	}
	var includes []string
	for _, d := range gjson.Get(args, "includeDirs").Array() {
		includes = append(includes, d.String())
	}
	perl := gjson.Get(args, "perl").String()

	br := ds.newBridge(perl, program, programArgs, includes)
	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()
	if err := ds.session.Launch(ctx, br); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, "failed to start debuggee: "+err.Error()))
		return
	}
	ds.forwardWg.Add(1)
	go ds.forwardBridgeEvents(br.Events())

	slog.Debug("Starting debugging", "file", program)
	response := &dap.LaunchResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onAttachRequest(request *dap.AttachRequest) {
	args := string(request.Arguments)
	port := gjson.Get(args, "port").Int()
	if port < 1 || port > 65535 {
		ds.send(newErrorResponse(request.Seq, request.Command, "attach arguments must name a port in range 1-65535"))
		return
	}
	host := gjson.Get(args, "host").String()
	if host == "" {
		host = "127.0.0.1"
	}

	br := ds.newRemote(net.JoinHostPort(host, strconv.FormatInt(port, 10)))
	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()
	if err := ds.session.Launch(ctx, br); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, "failed to attach: "+err.Error()))
		return
	}
	ds.forwardWg.Add(1)
	go ds.forwardBridgeEvents(br.Events())

	slog.Debug("Attached to debugger", "host", host, "port", port)
	response := &dap.AttachResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onDisconnectRequest(request *dap.DisconnectRequest) {
	ds.session.Disconnect()
	ds.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	response := &dap.DisconnectResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onTerminateRequest(request *dap.TerminateRequest) {
	ds.session.Disconnect()
	ds.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	response := &dap.TerminateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	path := request.Arguments.Source.Path
	reqs := make([]session.SourceBreakpoint, 0, len(request.Arguments.Breakpoints))
	for _, b := range request.Arguments.Breakpoints {
		reqs = append(reqs, session.SourceBreakpoint{Line: b.Line, Condition: b.Condition})
	}

	records, err := ds.session.SetBreakpoints(path, reqs)
	if err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}

	response := &dap.SetBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Breakpoints = make([]dap.Breakpoint, len(records))
	for i, bp := range records {
		response.Body.Breakpoints[i] = toDAPBreakpoint(bp)
	}
	ds.send(response)
}

func (ds *PerlDebugSession) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	response := &dap.SetExceptionBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	if err := ds.session.ConfigurationDone(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ConfigurationDoneResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onContinueRequest(request *dap.ContinueRequest) {
	if err := ds.session.Continue(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ContinueResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.AllThreadsContinued = true
	ds.send(response)
	ds.send(&dap.ContinuedEvent{
		Event: *newEvent("continued"),
		Body:  dap.ContinuedEventBody{ThreadId: session.MainThreadID, AllThreadsContinued: true},
	})
}

func (ds *PerlDebugSession) onNextRequest(request *dap.NextRequest) {
	if err := ds.session.Next(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.NextResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onStepInRequest(request *dap.StepInRequest) {
	if err := ds.session.StepIn(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.StepInResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onStepOutRequest(request *dap.StepOutRequest) {
	if err := ds.session.StepOut(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.StepOutResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onPauseRequest(request *dap.PauseRequest) {
	if err := ds.session.Pause(); err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.PauseResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	ds.send(response)
}

func (ds *PerlDebugSession) onStackTraceRequest(request *dap.StackTraceRequest) {
	file, line := ds.session.StoppedLocation()
	callers := ds.session.Frames()

	frames := []dap.StackFrame{}
	if file != "" {
		// The stop location is the innermost position; the debugger's
		// trace lists only the callers above it.
		name := "main"
		if len(callers) > 0 {
			name = callers[0].Name
		}
		frames = append(frames, makeStackFrame(0, name, file, line))
	}
	for i, f := range callers {
		frames = append(frames, makeStackFrame(i+1, f.Name, f.File, f.Line))
	}

	response := &dap.StackTraceResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body = dap.StackTraceResponseBody{
		StackFrames: frames,
		TotalFrames: len(frames),
	}
	ds.send(response)
}

func makeStackFrame(id int, name, file string, line int) dap.StackFrame {
	fr := dap.StackFrame{Id: id, Name: name, Line: line}
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	fr.Source = &dap.Source{Name: filepath.Base(file), Path: abs, SourceReference: 0}
	return fr
}

func (ds *PerlDebugSession) onScopesRequest(request *dap.ScopesRequest) {
	response := &dap.ScopesResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body = dap.ScopesResponseBody{
		Scopes: []dap.Scope{
			{Name: "Locals", VariablesReference: 1000, Expensive: false},
		},
	}
	ds.send(response)
}

func (ds *PerlDebugSession) onVariablesRequest(request *dap.VariablesRequest) {
	vars, err := ds.session.Variables()
	if err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	out := []dap.Variable{}
	for _, v := range vars {
		out = append(out, dap.Variable{
			Name:         v.Name,
			Value:        v.Value,
			EvaluateName: v.Name,
		})
	}
	response := &dap.VariablesResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body = dap.VariablesResponseBody{Variables: out}
	ds.send(response)
}

func (ds *PerlDebugSession) onEvaluateRequest(request *dap.EvaluateRequest) {
	v, err := ds.session.Evaluate(request.Arguments.Expression)
	if err != nil {
		ds.send(newErrorResponse(request.Seq, request.Command, fmt.Sprintf("failed to evaluate expression: %s", err.Error())))
		return
	}
	response := &dap.EvaluateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body = dap.EvaluateResponseBody{Result: v}
	ds.send(response)
}

func (ds *PerlDebugSession) onThreadsRequest(request *dap.ThreadsRequest) {
	threads := []dap.Thread{}
	for _, t := range ds.session.Threads() {
		threads = append(threads, dap.Thread{Id: t.ID, Name: t.Name})
	}
	response := &dap.ThreadsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body = dap.ThreadsResponseBody{Threads: threads}
	ds.send(response)
}

func toDAPBreakpoint(bp session.Breakpoint) dap.Breakpoint {
	out := dap.Breakpoint{
		Id:       bp.ID,
		Verified: bp.Verified,
		Message:  bp.Message,
	}
	if bp.Verified {
		out.Line = bp.VerifiedLine
	}
	return out
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

func newErrorResponse(requestSeq int, command string, message string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{}
	er.Response = *newResponse(requestSeq, command)
	er.Success = false
	er.Message = message
	er.Body = dap.ErrorResponseBody{
		Error: &dap.ErrorMessage{},
	}
	er.Body.Error.Format = message
	er.Body.Error.Id = 12345
	return er
}
