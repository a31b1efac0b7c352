package processing

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
)

// Detection is one labelled box in frame coordinates.
type Detection struct {
	Label string          `json:"label"`
	Score float64         `json:"score"`
	Box   image.Rectangle `json:"-"`
}

type Detector interface {
	Detect(ctx context.Context, frame domain.Frame) ([]Detection, error)
}

// StaticDetector reports the same detections for every frame.
type StaticDetector struct {
	Detections []Detection
	Err        error
}

func (d StaticDetector) Detect(ctx context.Context, _ domain.Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Detections, d.Err
}

type detectRequest struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	JPEG   string `json:"jpeg"`
}

type detectResponse struct {
	Seq        uint64 `json:"seq"`
	Error      string `json:"error,omitempty"`
	Detections []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
		Box   [4]int  `json:"box"`
	} `json:"detections"`
}

// SubprocessDetector talks to a long lived model worker over stdin and stdout,
// one JSON document per line. The model is loaded once when the worker starts.
// Each request carries a seq the worker echoes back; at most one request is
// outstanding at a time. A caller that runs out of time leaves its request
// pending, and the next caller discards that reply before sending its own.
// The worker is restarted only when its pipes or output break.
type SubprocessDetector struct {
	command     []string
	jpegQuality int
	logger      *zap.SugaredLogger

	// sem is held by the caller talking to the worker; the fields below are
	// guarded by it.
	sem     chan struct{}
	worker  *detectorWorker
	nextSeq uint64
	pending uint64
	closed  bool
}

type detectorWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan detectResponse
	quit    chan struct{}
	// exited is closed when the output stream ends; err says why.
	exited chan struct{}
	err    error
}

func NewSubprocessDetector(command []string, jpegQuality int, logger *zap.SugaredLogger) (*SubprocessDetector, error) {
	if len(command) == 0 {
		return nil, errors.New("detector command is empty")
	}
	d := &SubprocessDetector{
		command:     command,
		jpegQuality: jpegQuality,
		logger:      logger,
		sem:         make(chan struct{}, 1),
	}
	if err := d.start(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SubprocessDetector) start() error {
	cmd := exec.Command(d.command[0], d.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("detector stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("detector stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detector %q: %w", d.command[0], err)
	}

	w := &detectorWorker{
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan detectResponse, 1),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go w.read(stdout)

	d.worker = w
	d.pending = 0
	d.logger.Infow("Detector worker started", "command", d.command[0], "pid", cmd.Process.Pid)
	return nil
}

func (w *detectorWorker) read(stdout io.Reader) {
	defer close(w.exited)
	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for lines.Scan() {
		var resp detectResponse
		if err := json.Unmarshal(lines.Bytes(), &resp); err != nil {
			w.err = fmt.Errorf("decode detector response: %w", err)
			return
		}
		select {
		case w.replies <- resp:
		case <-w.quit:
			return
		}
	}
	w.err = lines.Err()
	if w.err == nil {
		w.err = io.ErrUnexpectedEOF
	}
	w.err = fmt.Errorf("read detector response: %w", w.err)
}

// stop kills the worker. The next Detect starts a new one.
func (d *SubprocessDetector) stop() {
	w := d.worker
	if w == nil {
		return
	}
	d.worker = nil
	d.pending = 0
	close(w.quit)
	w.stdin.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
}

func (d *SubprocessDetector) Detect(ctx context.Context, frame domain.Frame) ([]Detection, error) {
	payload, err := EncodeJPEG(frame, d.jpegQuality)
	if err != nil {
		return nil, err
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	if d.closed {
		return nil, errors.New("detector closed")
	}
	if d.worker == nil {
		if err := d.start(); err != nil {
			return nil, err
		}
	}
	w := d.worker

	if d.pending != 0 {
		if _, err := d.await(ctx, w, d.pending); err != nil {
			return nil, err
		}
		d.pending = 0
	}

	d.nextSeq++
	seq := d.nextSeq
	req, err := json.Marshal(detectRequest{
		Seq:    seq,
		Width:  frame.Width,
		Height: frame.Height,
		JPEG:   base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, err
	}

	// A worker that stops reading would block the write, so it runs aside.
	// Nothing else writes until its reply has been read.
	written := make(chan error, 1)
	go func() {
		_, err := w.stdin.Write(append(req, '\n'))
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			d.logger.Warnw("Detector worker unusable, restarting", "error", err)
			d.stop()
			return nil, fmt.Errorf("write detector request: %w", err)
		}
	case <-w.exited:
		d.stop()
		return nil, w.err
	case <-ctx.Done():
		d.pending = seq
		return nil, ctx.Err()
	}

	resp, err := d.await(ctx, w, seq)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detector: %s", resp.Error)
	}
	out := make([]Detection, 0, len(resp.Detections))
	for _, det := range resp.Detections {
		out = append(out, Detection{
			Label: det.Label,
			Score: det.Score,
			Box:   image.Rect(det.Box[0], det.Box[1], det.Box[2], det.Box[3]),
		})
	}
	return out, nil
}

// await reads replies until the one for seq arrives. Older replies belong to
// callers that gave up and are discarded.
func (d *SubprocessDetector) await(ctx context.Context, w *detectorWorker, seq uint64) (detectResponse, error) {
	for {
		select {
		case resp := <-w.replies:
			if resp.Seq != seq {
				d.logger.Debugw("Discarding stale detector reply", "seq", resp.Seq, "want", seq)
				continue
			}
			return resp, nil
		case <-w.exited:
			d.logger.Warnw("Detector worker exited, restarting on next frame", "error", w.err)
			d.stop()
			return detectResponse{}, w.err
		case <-ctx.Done():
			d.pending = seq
			return detectResponse{}, ctx.Err()
		}
	}
}

// Close waits for the caller currently talking to the worker, then stops it.
func (d *SubprocessDetector) Close() error {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()
	d.closed = true
	d.stop()
	return nil
}
