// ABOUTME: Immutable per-round cluster snapshot of hosts and VMs
// ABOUTME: Owns entity indexes and derives post-plan views for later rounds

package models

import (
	"log/slog"
	"sync/atomic"
	"time"
)

var snapshotGeneration atomic.Uint64

// ClusterSnapshot is the set of hosts and VMs in scope at one instant.
// It is owned by exactly one planning round and never mutated after
// construction; derived load tables key on Generation so a fresh snapshot
// invalidates every cache by construction.
type ClusterSnapshot struct {
	Generation uint64
	TakenAt    time.Time
	Hosts      []Host
	VMs        []VM

	hostIndex map[string]int
	vmsByHost map[string][]int
}

// NewClusterSnapshot builds a snapshot from inventory results. Disconnected
// hosts and VMs whose host cannot be resolved are excluded with a warning;
// a single bad entity never aborts the round.
func NewClusterSnapshot(hosts []Host, vms []VM) *ClusterSnapshot {
	s := &ClusterSnapshot{
		Generation: snapshotGeneration.Add(1),
		TakenAt:    time.Now(),
		hostIndex:  make(map[string]int),
		vmsByHost:  make(map[string][]int),
	}

	for _, h := range hosts {
		if !h.Connected {
			slog.Warn("Excluding disconnected host from snapshot", "host", h.Name)
			continue
		}
		if _, dup := s.hostIndex[h.Name]; dup {
			slog.Warn("Duplicate host in inventory, keeping first", "host", h.Name)
			continue
		}
		s.hostIndex[h.Name] = len(s.Hosts)
		s.Hosts = append(s.Hosts, h)
	}

	for _, vm := range vms {
		if _, ok := s.hostIndex[vm.Host]; !ok {
			slog.Warn("Excluding VM with unresolved host from snapshot", "vm", vm.Name, "host", vm.Host)
			continue
		}
		s.vmsByHost[vm.Host] = append(s.vmsByHost[vm.Host], len(s.VMs))
		s.VMs = append(s.VMs, vm)
	}

	return s
}

// HostByName returns the host with the given name, if present.
func (s *ClusterSnapshot) HostByName(name string) (Host, bool) {
	i, ok := s.hostIndex[name]
	if !ok {
		return Host{}, false
	}
	return s.Hosts[i], true
}

// VMsOnHost returns the VMs currently assigned to the named host.
func (s *ClusterSnapshot) VMsOnHost(name string) []VM {
	idx := s.vmsByHost[name]
	vms := make([]VM, 0, len(idx))
	for _, i := range idx {
		vms = append(vms, s.VMs[i])
	}
	return vms
}

// ApplyMigrations derives a new snapshot with the given planned migrations
// reflected in VM placement and host loads. The receiver is left untouched.
// The driver uses this to evaluate rounds >= 2 against the post-plan
// placement while the actual moves have not been executed yet.
func (s *ClusterSnapshot) ApplyMigrations(actions []MigrationAction) *ClusterSnapshot {
	if len(actions) == 0 {
		return s
	}

	hosts := make([]Host, len(s.Hosts))
	for i, h := range s.Hosts {
		hosts[i] = h
		hosts[i].Usage = make(map[Metric]float64, len(h.Usage))
		for m, u := range h.Usage {
			hosts[i].Usage[m] = u
		}
	}
	vms := make([]VM, len(s.VMs))
	copy(vms, s.VMs)

	hostAt := func(name string) *Host {
		if i, ok := s.hostIndex[name]; ok {
			return &hosts[i]
		}
		return nil
	}

	for _, a := range actions {
		target := hostAt(a.TargetHost)
		if target == nil {
			slog.Warn("Planned target host missing from snapshot, skipping in derived view",
				"vm", a.VM, "target", a.TargetHost)
			continue
		}
		for i := range vms {
			if vms[i].Name != a.VM {
				continue
			}
			if src := hostAt(vms[i].Host); src != nil {
				for m, d := range vms[i].Demand {
					src.Usage[m] -= d
				}
			}
			for m, d := range vms[i].Demand {
				target.Usage[m] += d
			}
			vms[i].Host = a.TargetHost
			break
		}
	}

	derived := NewClusterSnapshot(hosts, vms)
	derived.TakenAt = s.TakenAt
	return derived
}
