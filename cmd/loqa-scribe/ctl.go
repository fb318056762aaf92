package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const ctlUsage = "ctl needs one of: status, devices, permissions, start [device], stop, interview <text>"

// ctl drives a running scribe over NATS request/reply.
func ctl(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(ctlUsage)
	}
	subject, req, err := ctlRequest(args[0], args[1:])
	if err != nil {
		return err
	}
	if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must name the NATS server of the running node")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Bus.ConnectTimeout)*time.Millisecond+30*time.Second)
	defer cancel()
	client, err := bus.Connect(ctx, cfg.Bus, "loqa-scribe-ctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var data json.RawMessage
	if err := client.Call(ctx, subject, req, &data); err != nil {
		return err
	}
	if len(data) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func ctlRequest(verb string, rest []string) (string, any, error) {
	switch verb {
	case "status":
		return protocol.SubjectCaptureStatus, nil, nil
	case "devices":
		return protocol.SubjectDevicesList, nil, nil
	case "permissions":
		return protocol.SubjectPermissionsCheck, nil, nil
	case "start":
		return protocol.SubjectCaptureStart, protocol.StartCaptureRequest{DeviceName: strings.Join(rest, " ")}, nil
	case "stop":
		return protocol.SubjectCaptureStop, nil, nil
	case "interview":
		text := strings.TrimSpace(strings.Join(rest, " "))
		if text == "" {
			return "", nil, errors.New("interview needs the question text")
		}
		return protocol.SubjectInterviewRespond, protocol.InterviewRequest{Transcription: text}, nil
	default:
		return "", nil, fmt.Errorf("unknown ctl command %q; %s", verb, ctlUsage)
	}
}
