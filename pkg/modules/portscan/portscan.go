// Package portscan runs nmap over the discovered hosts and records open
// ports with their detected services.
package portscan

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// Name is the registered module name.
const Name = "port_scan"

// DefaultPorts is scanned when no port list is configured.
const DefaultPorts = "21,22,25,53,80,110,143,443,445,993,995,3306,3389,5432,6379,8000,8080,8443,9200"

// OpenPort is one open port in the normalized result.
type OpenPort struct {
	Host     string `json:"host"`
	Address  string `json:"address"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service,omitempty"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Module scans with nmap and parses its XML report.
type Module struct {
	ports string
}

// New creates the module. An empty ports list uses DefaultPorts.
func New(ports string) *Module {
	if strings.TrimSpace(ports) == "" {
		ports = DefaultPorts
	}
	return &Module{ports: ports}
}

func (*Module) Name() string { return Name }
func (*Module) Capability() module.Capability { return module.CapPortScan }

func (*Module) RequiredTools() []module.ToolRequirement {
	return []module.ToolRequirement{{Name: "nmap", MinVersion: "7.0"}}
}

func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	hosts := modutil.Hosts(env)
	list, err := modutil.WriteList(env.TempDir, "scan-hosts.txt", hosts)
	if err != nil {
		return nil, err
	}

	var runs modutil.Runs
	// -oX - writes the XML report to stdout, which the executor captures.
	res, err := env.Run(ctx, "nmap", "-sV", "-Pn", "--open", "-p", m.ports, "-iL", list, "-oX", "-")
	if !runs.Record("nmap", res, err) {
		return nil, fmt.Errorf("nmap: %w", err)
	}

	run, err := parseReport(res.StdoutPath)
	if err != nil {
		return nil, err
	}

	open := openPorts(run)
	hostsUp := 0
	for _, h := range run.Hosts {
		if strings.EqualFold(h.Status.State, "up") {
			hostsUp++
		}
	}

	return runs.Into(module.Result{
		"ports":      m.ports,
		"open_ports": open,
		"hosts_up":   hostsUp,
		"scanned":    len(hosts),
	}), nil
}

func parseReport(path string) (*nmap.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nmap report: %w", err)
	}
	var run nmap.Run
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse nmap report: %w", err)
	}
	return &run, nil
}

func openPorts(run *nmap.Run) []OpenPort {
	var out []OpenPort
	for _, h := range run.Hosts {
		addr := pickAddress(h)
		name := addr
		if len(h.Hostnames) > 0 {
			name = h.Hostnames[0].Name
		}
		for _, p := range h.Ports {
			if !strings.HasPrefix(strings.ToLower(p.State.State), "open") {
				continue
			}
			out = append(out, OpenPort{
				Host:     name,
				Address:  addr,
				Port:     p.ID,
				Protocol: p.Protocol,
				Service:  p.Service.Name,
				Product:  p.Service.Product,
				Version:  p.Service.Version,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	if out == nil {
		out = []OpenPort{}
	}
	return out
}

func pickAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}
