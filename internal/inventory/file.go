package inventory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telemyapp/fleet-control-plane/internal/model"
)

type fileServer struct {
	Name     string   `yaml:"name"`
	BaseURL  string   `yaml:"base_url"`
	Secret   string   `yaml:"secret"`
	Strength int      `yaml:"strength"`
	Status   string   `yaml:"status"`
	Pools    []string `yaml:"pools"`
}

type fileRoomType struct {
	Name       string   `yaml:"name"`
	Pool       string   `yaml:"pool"`
	Restricted bool     `yaml:"restricted"`
	Roles      []string `yaml:"roles"`
}

type fileInventory struct {
	Servers   []fileServer   `yaml:"servers"`
	RoomTypes []fileRoomType `yaml:"room_types"`
}

type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file" }

func (f FileSource) Load(_ context.Context) (Inventory, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Inventory{}, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML inventory document.
func Parse(data []byte) (Inventory, error) {
	var doc fileInventory
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Inventory{}, fmt.Errorf("decode inventory: %w", err)
	}

	var inv Inventory
	for i, s := range doc.Servers {
		spec := model.ServerSpec{
			Name:     strings.TrimSpace(s.Name),
			BaseURL:  strings.TrimSpace(s.BaseURL),
			Secret:   s.Secret,
			Strength: s.Strength,
			Status:   model.ServerStatus(strings.TrimSpace(s.Status)),
			Pools:    s.Pools,
		}
		if spec.Name == "" || spec.BaseURL == "" || spec.Secret == "" {
			return Inventory{}, fmt.Errorf("servers[%d]: name, base_url and secret are required", i)
		}
		if !strings.HasSuffix(spec.BaseURL, "/") {
			spec.BaseURL += "/"
		}
		if spec.Strength == 0 {
			spec.Strength = 1
		}
		if spec.Strength < 1 {
			return Inventory{}, fmt.Errorf("servers[%d]: strength must be >= 1", i)
		}
		if spec.Status == "" {
			spec.Status = model.ServerDisabled
		}
		if !spec.Status.Valid() {
			return Inventory{}, fmt.Errorf("servers[%d]: invalid status %q", i, s.Status)
		}
		inv.Servers = append(inv.Servers, spec)
	}
	for i, rt := range doc.RoomTypes {
		spec := model.RoomTypeSpec{
			Name:     strings.TrimSpace(rt.Name),
			Pool:     strings.TrimSpace(rt.Pool),
			Restrict: rt.Restricted,
			RoleIDs:  rt.Roles,
		}
		if spec.Name == "" || spec.Pool == "" {
			return Inventory{}, fmt.Errorf("room_types[%d]: name and pool are required", i)
		}
		inv.RoomTypes = append(inv.RoomTypes, spec)
	}
	return inv, nil
}
