// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/absmach/fluxroute/internal/bufpool"
	"github.com/klauspost/compress/s2"
)

const codecName = "s2json"

// Body flags, the first byte of every encoded message.
const (
	flagPlain byte = iota
	flagS2
)

var errEmptyBody = errors.New("empty message body")

var _ connect.Codec = (*codec)(nil)

// codec encodes peer messages as JSON and compresses bodies larger than
// threshold with S2. A non-positive threshold disables compression.
type codec struct {
	threshold int
}

func newCodec(threshold int) *codec {
	return &codec{threshold: threshold}
}

func (c *codec) Name() string {
	return codecName
}

func (c *codec) Marshal(v any) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	body := buf.Bytes()

	if c.threshold > 0 && len(body) > c.threshold {
		return bufpool.Framed(flagS2, s2.Encode(nil, body)), nil
	}
	return bufpool.Framed(flagPlain, body), nil
}

func (c *codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyBody
	}

	body := data[1:]
	switch data[0] {
	case flagPlain:
	case flagS2:
		dec, err := s2.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("failed to decompress message: %w", err)
		}
		body = dec
	default:
		return fmt.Errorf("unknown body flag %d", data[0])
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
