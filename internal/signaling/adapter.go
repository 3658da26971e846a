package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// ErrNoRing is returned by CancelRing when no outbound INVITE is pending.
var ErrNoRing = errors.New("no ring in progress")

// LineSettings identifies the ATA behind one line.
type LineSettings struct {
	LineID    string
	ATAAddr   string
	Extension string
	RTPPort   int
}

// Adapter is the SIP side of one line. It turns requests from the ATA into
// events and rings the ATA on demand.
type Adapter struct {
	server *Server
	line   LineSettings
	events chan Event

	mu     sync.Mutex
	ring   *ringCall
	remote MediaInfo
}

type ringCall struct {
	invite   *sip.Request
	tx       sip.ClientTransaction
	cancel   context.CancelFunc
	answered bool
	answer   *sip.Response
}

// Events returns the hook and digit event stream of the line.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// IsListening reports whether the shared SIP transport is bound.
func (a *Adapter) IsListening() bool {
	return a.server.IsListening()
}

// RemoteMedia returns the ATA's RTP endpoint as learned from the last SDP,
// falling back to the ATA address on the line's RTP port.
func (a *Adapter) RemoteMedia() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote.Addr != "" {
		return a.remote.Endpoint()
	}
	return a.line.ATAAddr + ":" + strconv.Itoa(a.line.RTPPort)
}

func (a *Adapter) emit(ev Event) {
	slog.Debug("[SIP] Event", "line", a.line.LineID, "event", ev.String())
	select {
	case a.events <- ev:
	default:
		slog.Warn("[SIP] Event queue full, dropping", "line", a.line.LineID, "event", ev.String())
	}
}

func (a *Adapter) learnMedia(body []byte, from string) {
	info, err := ParseMedia(body)
	if err != nil {
		slog.Debug("[SIP] No usable SDP", "line", a.line.LineID, "from", from, "error", err)
		return
	}
	a.mu.Lock()
	a.remote = info
	a.mu.Unlock()
	slog.Info("[SDP] Remote media", "line", a.line.LineID, "endpoint", info.Endpoint(), "codecs", info.Formats)
}

// forgetMedia drops the endpoint of a finished dialog so the next call
// starts from the configured fallback.
func (a *Adapter) forgetMedia() {
	a.mu.Lock()
	a.remote = MediaInfo{}
	a.mu.Unlock()
}

// handleBody interprets NOTIFY and INFO bodies.
func (a *Adapter) handleBody(req *sip.Request, tx sip.ServerTransaction) {
	a.server.respond(req, tx, sip.StatusOK, "OK")

	method := req.Method.String()
	body := string(req.Body())
	if strings.TrimSpace(body) == "" {
		slog.Warn("[SIP] Empty body, ignoring", "line", a.line.LineID, "method", method)
		return
	}

	matched := false
	if offHook, ok := ParseHookState(body); ok {
		matched = true
		a.emit(Event{Type: EventHookChanged, OffHook: offHook, Method: method})
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "digit") || strings.Contains(lower, "number") {
		if number, ok := ExtractDialedNumber(body); ok {
			matched = true
			a.emit(Event{Type: EventDigitsDialed, Digits: number, Method: method})
		}
	}
	if !matched {
		slog.Warn("[SIP] Unrecognized body", "line", a.line.LineID, "method", method, "body", body)
	}
}

// handleINVITE answers an INVITE from the ATA, which means the handset was
// lifted and a number dialed before the gateway rang it.
func (a *Adapter) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	a.server.respond(req, tx, sip.StatusTrying, "Trying")

	number := ""
	if to := req.To(); to != nil {
		number = to.Address.User
	}
	if number == "" {
		number = req.Recipient.User
	}
	if number == "" {
		slog.Warn("[SIP] INVITE without dialed number", "line", a.line.LineID, "call_id", callID(req))
		a.server.respond(req, tx, sip.StatusBadRequest, "Missing Number")
		return
	}

	a.learnMedia(req.Body(), "INVITE")

	body, err := BuildSDP(a.server.AdvertiseAddr(), a.line.RTPPort)
	if err != nil {
		slog.Error("[SDP] Failed to build answer", "line", a.line.LineID, "error", err)
		a.server.respond(req, tx, sip.StatusInternalServerError, "Server Error")
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", newTag())
		}
	}
	res.AppendHeader(a.contactHeader())
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)

	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Failed to answer INVITE", "line", a.line.LineID, "error", err)
		return
	}

	slog.Info("[SIP] ATA placed call", "line", a.line.LineID, "number", number, "call_id", callID(req))
	a.emit(Event{Type: EventHookChanged, OffHook: true, Method: "INVITE"})
	a.emit(Event{Type: EventDigitsDialed, Digits: number, Method: "INVITE"})
}

func (a *Adapter) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	a.server.respond(req, tx, sip.StatusOK, "OK")

	a.mu.Lock()
	if a.ring != nil && a.ring.answered {
		a.ring.cancel()
		a.ring = nil
	}
	a.remote = MediaInfo{}
	a.mu.Unlock()

	slog.Info("[SIP] BYE received", "line", a.line.LineID, "call_id", callID(req))
	a.emit(Event{Type: EventHookChanged, OffHook: false, Method: "BYE"})
}

func (a *Adapter) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	a.server.respond(req, tx, sip.StatusOK, "OK")
	a.forgetMedia()
	slog.Info("[SIP] CANCEL received", "line", a.line.LineID, "call_id", callID(req))
	a.emit(Event{Type: EventHookChanged, OffHook: false, Method: "CANCEL"})
}

func (a *Adapter) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "rotary",
			Host:   a.server.AdvertiseAddr(),
			Port:   a.server.Port(),
		},
	}
}

// SendInviteToHT801 rings the ATA by sending an INVITE to
// sip:extension@targetIP. It returns once the request is on the wire; the
// transaction is followed in the background and a 2xx answer is reported
// as the handset going off-hook.
func (a *Adapter) SendInviteToHT801(ctx context.Context, extension, targetIP string) error {
	if extension == "" || targetIP == "" {
		return fmt.Errorf("ring target incomplete: extension=%q ip=%q", extension, targetIP)
	}

	if err := a.CancelRing(ctx); err != nil && !errors.Is(err, ErrNoRing) {
		slog.Warn("[SIP] Failed to release previous ring", "line", a.line.LineID, "error", err)
	}

	invite, err := a.buildINVITE(extension, targetIP)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(ctx)
	tx, err := a.server.client.TransactionRequest(rctx, invite)
	if err != nil {
		cancel()
		return fmt.Errorf("send INVITE: %w", err)
	}

	rc := &ringCall{invite: invite, tx: tx, cancel: cancel}
	a.mu.Lock()
	a.ring = rc
	a.mu.Unlock()

	slog.Info("[SIP] Ringing ATA", "line", a.line.LineID, "target", invite.Recipient.String(), "call_id", callID(invite))
	go a.watchRing(rctx, rc)
	return nil
}

func (a *Adapter) buildINVITE(extension, targetIP string) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s:5060", extension, targetIP), &target); err != nil {
		return nil, fmt.Errorf("invalid ring target: %w", err)
	}

	body, err := BuildSDP(a.server.AdvertiseAddr(), a.line.RTPPort)
	if err != nil {
		return nil, fmt.Errorf("build SDP offer: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: extension, Host: a.server.AdvertiseAddr()},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: extension, Host: targetIP},
		Params:  sip.NewParams(),
	})

	cid := sip.CallIDHeader(uuid.New().String() + "@" + a.server.AdvertiseAddr())
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(a.contactHeader())
	invite.AppendHeader(sip.NewHeader("User-Agent", a.server.cfg.UserAgent))

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(body)
	return invite, nil
}

// watchRing follows the INVITE transaction until a final response.
func (a *Adapter) watchRing(ctx context.Context, rc *ringCall) {
	for {
		select {
		case <-ctx.Done():
			return

		case resp := <-rc.tx.Responses():
			if resp == nil {
				a.clearRing(rc)
				return
			}
			code := int(resp.StatusCode)
			switch {
			case code < 200:
				slog.Debug("[SIP] Ring progress", "line", a.line.LineID, "status", code, "reason", resp.Reason)
			case code < 300:
				a.handleRingAnswered(ctx, rc, resp)
				return
			default:
				slog.Warn("[SIP] Ring rejected", "line", a.line.LineID, "status", code, "reason", resp.Reason)
				a.clearRing(rc)
				return
			}

		case <-rc.tx.Done():
			a.mu.Lock()
			answered := rc.answered
			a.mu.Unlock()
			if !answered {
				slog.Debug("[SIP] Ring transaction ended", "line", a.line.LineID, "error", rc.tx.Err())
				a.clearRing(rc)
			}
			return
		}
	}
}

func (a *Adapter) handleRingAnswered(ctx context.Context, rc *ringCall, resp *sip.Response) {
	if err := a.sendACK(rc.invite, resp); err != nil {
		slog.Error("[SIP] Failed to send ACK", "line", a.line.LineID, "error", err)
	}
	a.learnMedia(resp.Body(), "200 OK")

	a.mu.Lock()
	current := a.ring == rc
	if current {
		rc.answered = true
		rc.answer = resp
	}
	a.mu.Unlock()

	if !current {
		// The ring was released while the answer was in flight.
		if err := a.sendBYE(ctx, rc.invite, resp); err != nil {
			slog.Warn("[SIP] Failed to release late answer", "line", a.line.LineID, "error", err)
		}
		return
	}

	slog.Info("[SIP] ATA answered ring", "line", a.line.LineID, "call_id", callID(rc.invite))
	a.emit(Event{Type: EventHookChanged, OffHook: true, Method: "INVITE"})
}

func (a *Adapter) clearRing(rc *ringCall) {
	a.mu.Lock()
	if a.ring == rc {
		a.ring = nil
	}
	a.mu.Unlock()
	rc.cancel()
}

// CancelRing releases the outbound INVITE: CANCEL while it is still
// ringing, BYE once the ATA answered.
func (a *Adapter) CancelRing(ctx context.Context) error {
	a.mu.Lock()
	rc := a.ring
	a.ring = nil
	a.remote = MediaInfo{}
	a.mu.Unlock()

	if rc == nil {
		return ErrNoRing
	}
	defer rc.cancel()

	if rc.answered {
		return a.sendBYE(ctx, rc.invite, rc.answer)
	}
	return a.sendCANCEL(ctx, rc.invite)
}

// sendACK acknowledges a 2xx. The ACK is a new request sent to the Contact
// of the response (RFC 3261 13.2.2.4).
func (a *Adapter) sendACK(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetDestination(destination(resp.Source(), requestURI))

	done := make(chan error, 1)
	go func() {
		done <- a.server.client.WriteRequest(ack)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return errors.New("ACK write timed out")
	}
	return nil
}

func (a *Adapter) sendCANCEL(ctx context.Context, invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	return a.transact(ctx, cancelReq)
}

func (a *Adapter) sendBYE(ctx context.Context, invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, bye)
	if to := resp.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	sip.CopyHeaders("Call-ID", invite, bye)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})
	bye.SetDestination(destination(resp.Source(), requestURI))

	return a.transact(ctx, bye)
}

// transact sends req and waits up to five seconds for any response.
func (a *Adapter) transact(ctx context.Context, req *sip.Request) error {
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := a.server.client.TransactionRequest(tctx, req)
	if err != nil {
		return fmt.Errorf("send %s: %w", req.Method.String(), err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[SIP] Response", "line", a.line.LineID, "method", req.Method.String(), "status", int(resp.StatusCode))
		}
	case <-tx.Done():
	case <-tctx.Done():
	}
	slog.Info("[SIP] Request sent", "line", a.line.LineID, "method", req.Method.String(), "call_id", callID(req))
	return nil
}

func destination(source string, uri sip.Uri) string {
	if source != "" {
		return source
	}
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return uri.Host + ":" + strconv.Itoa(port)
}

func newTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
