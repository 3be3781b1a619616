package gossip

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/nodeforge/fabric/internal/model"
)

// schemaVersion is the wire schema number carried by every entry.
const schemaVersion = 1

// NodeInfoWire is the gossiped, JSON-serializable projection of a
// NodeInfo, plus the schema number.
type NodeInfoWire struct {
	Schema         int                             `json:"schema"`
	NodeID         string                          `json:"node_id"`
	Address        string                          `json:"address"`
	Port           int                             `json:"port"`
	Role           model.Role                      `json:"role"`
	Capabilities   []string                        `json:"capabilities,omitempty"`
	LastSeenUnixMs int64                           `json:"last_seen_unix_ms"`
	Status         model.Status                    `json:"status"`
	Metadata       map[string]string               `json:"metadata,omitempty"`
	Services       map[string]model.ServiceSummary `json:"services,omitempty"`
	Version        uint64                          `json:"version"`
}

// Frame is the gossip wire envelope.
type Frame struct {
	From    string         `json:"from"`
	Nonce   string         `json:"nonce"`
	Entries []NodeInfoWire `json:"entries"`
}

const (
	headerPlain      byte = 0x00
	headerCompressed byte = 0x01
)

// Encode serializes a Frame to JSON and, if the body exceeds threshold
// bytes, compresses it with LZ4. A one-byte header (0x00 plain, 0x01
// compressed) precedes the body so the receiver can auto-detect.
func Encode(frame Frame, threshold int) ([]byte, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("gossip: marshal frame: %w", err)
	}

	if len(body) <= threshold {
		return append([]byte{headerPlain}, body...), nil
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("gossip: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gossip: lz4 close: %w", err)
	}
	return append([]byte{headerCompressed}, buf.Bytes()...), nil
}

// Decode auto-detects the header byte and returns the decoded Frame.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if len(raw) == 0 {
		return frame, fmt.Errorf("gossip: empty body")
	}

	header, body := raw[0], raw[1:]
	switch header {
	case headerPlain:
		if err := json.Unmarshal(body, &frame); err != nil {
			return frame, fmt.Errorf("gossip: unmarshal plain frame: %w", err)
		}
	case headerCompressed:
		r := lz4.NewReader(bytes.NewReader(body))
		var out bytes.Buffer
		if _, err := out.ReadFrom(r); err != nil {
			return frame, fmt.Errorf("gossip: lz4 decompress: %w", err)
		}
		if err := json.Unmarshal(out.Bytes(), &frame); err != nil {
			return frame, fmt.Errorf("gossip: unmarshal compressed frame: %w", err)
		}
	default:
		return frame, fmt.Errorf("gossip: unknown compression header 0x%02x", header)
	}
	return frame, nil
}

func toWire(info model.NodeInfo) NodeInfoWire {
	return NodeInfoWire{
		Schema:         schemaVersion,
		NodeID:         info.NodeID,
		Address:        info.Address,
		Port:           info.Port,
		Role:           info.Role,
		Capabilities:   info.Capabilities,
		LastSeenUnixMs: info.LastSeen.UnixMilli(),
		Status:         info.Status,
		Metadata:       info.Metadata,
		Services:       info.Services,
		Version:        info.Version,
	}
}

func fromWire(w NodeInfoWire) model.NodeInfo {
	return model.NodeInfo{
		NodeID:       w.NodeID,
		Address:      w.Address,
		Port:         w.Port,
		Role:         w.Role,
		Capabilities: w.Capabilities,
		LastSeen:     msToTime(w.LastSeenUnixMs),
		Status:       w.Status,
		Metadata:     w.Metadata,
		Services:     w.Services,
		Version:      w.Version,
	}
}
