package voxgear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// provisionTimeout bounds the whole provisioning POST.
const provisionTimeout = 10 * time.Second

// ProvisionConfig is the parsed provisioning response. The MQTT block
// is retained for forward compatibility but unused on the WebSocket
// path.
type ProvisionConfig struct {
	MQTT       MQTTConfig `json:"mqtt"`
	Activation Activation `json:"activation"`
}

// MQTTConfig mirrors the legacy MQTT transport credentials.
type MQTTConfig struct {
	Endpoint       string `json:"endpoint"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublishTopic   string `json:"publish_topic"`
	SubscribeTopic string `json:"subscribe_topic"`
}

// Activation is the server-side enrolment gate. A non-empty Code means
// the device is not yet allowed to converse and must surface the code
// to the user.
type Activation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceInfo is the identity document posted to the provisioning
// endpoint. Hosts populate what they know; zero values are filled with
// neutral defaults.
type DeviceInfo struct {
	ChipModelName       string
	ChipInfo            ChipInfo
	Application         ApplicationInfo
	PartitionTable      []PartitionInfo
	OTALabel            string
	FlashSize           int64
	MinimumFreeHeapSize int64
	BoardType           string
}

// ChipInfo describes the SoC.
type ChipInfo struct {
	Model    int `json:"model"`
	Cores    int `json:"cores"`
	Revision int `json:"revision"`
	Features int `json:"features"`
}

// ApplicationInfo describes the running firmware image.
type ApplicationInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	CompileTime string `json:"compile_time"`
	IDFVersion  string `json:"idf_version"`
	ELFSHA256   string `json:"elf_sha256"`
}

// PartitionInfo describes one firmware partition.
type PartitionInfo struct {
	Label   string `json:"label"`
	Type    int    `json:"type"`
	Subtype int    `json:"subtype"`
	Address int64  `json:"address"`
	Size    int64  `json:"size"`
}

// provisionReport is the full POST body.
type provisionReport struct {
	Version             int             `json:"version"`
	FlashSize           int64           `json:"flash_size"`
	MinimumFreeHeapSize int64           `json:"minimum_free_heap_size"`
	MACAddress          string          `json:"mac_address"`
	UUID                string          `json:"uuid"`
	ChipModelName       string          `json:"chip_model_name"`
	ChipInfo            ChipInfo        `json:"chip_info"`
	Application         ApplicationInfo `json:"application"`
	PartitionTable      []PartitionInfo `json:"partition_table"`
	OTA                 otaInfo         `json:"ota"`
	Board               boardInfo       `json:"board"`
}

type otaInfo struct {
	Label string `json:"label"`
}

type boardInfo struct {
	Type string `json:"type"`
	MAC  string `json:"mac"`
}

// provisioner performs the one-shot config fetch against the OTA
// endpoint.
type provisioner struct {
	client   *http.Client
	url      string
	deviceID string
	clientID string
	info     DeviceInfo
	logger   Logger
}

func newProvisioner(client *http.Client, url, deviceID, clientID string, info DeviceInfo, logger Logger) *provisioner {
	if client == nil {
		client = &http.Client{Timeout: provisionTimeout}
	}
	applyDeviceDefaults(&info)
	return &provisioner{
		client:   client,
		url:      url,
		deviceID: deviceID,
		clientID: clientID,
		info:     info,
		logger:   logger,
	}
}

func applyDeviceDefaults(info *DeviceInfo) {
	if info.ChipModelName == "" {
		info.ChipModelName = "generic"
	}
	if info.Application.Name == "" {
		info.Application.Name = "voxgear"
	}
	if info.Application.Version == "" {
		info.Application.Version = "0.0.0"
	}
	if info.OTALabel == "" {
		info.OTALabel = "app0"
	}
	if info.BoardType == "" {
		info.BoardType = "wifi"
	}
}

// Fetch posts the device report and parses the response. Transport,
// HTTP-status and JSON errors are all transient: callers retry with
// backoff.
func (p *provisioner) Fetch(ctx context.Context) (*ProvisionConfig, error) {
	report := provisionReport{
		Version:             2,
		FlashSize:           p.info.FlashSize,
		MinimumFreeHeapSize: p.info.MinimumFreeHeapSize,
		MACAddress:          p.deviceID,
		UUID:                p.clientID,
		ChipModelName:       p.info.ChipModelName,
		ChipInfo:            p.info.ChipInfo,
		Application:         p.info.Application,
		PartitionTable:      p.info.PartitionTable,
		OTA:                 otaInfo{Label: p.info.OTALabel},
		Board:               boardInfo{Type: p.info.BoardType, MAC: p.deviceID},
	}
	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("voxgear: marshal provision report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voxgear: build provision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", p.deviceID)
	req.Header.Set("Client-Id", p.clientID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voxgear: provision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("voxgear: provision endpoint returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voxgear: read provision response: %w", err)
	}

	var cfg ProvisionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("voxgear: parse provision response: %w", err)
	}
	return &cfg, nil
}
