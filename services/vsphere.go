// ABOUTME: vSphere inventory via govmomi: hosts, VMs, and their live loads
// ABOUTME: Feeds the planner with capacity and demand for all four metrics

package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/performance"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
	"golang.org/x/sync/errgroup"

	"github.com/fsolen/vsphere-fdrs/models"
)

// Perf counters sampled for I/O metrics. Both report kilobytes per second
// at the 20-second realtime interval.
const (
	counterDiskUsage = "disk.usage.average"
	counterNetUsage  = "net.usage.average"
)

// Number of concurrent property fetches against vCenter.
const propertyFetchWorkers = 8

// VSphereCredentials holds vCenter connection info
type VSphereCredentials struct {
	Host       string
	Username   string
	Password   string
	Datacenter string
	Insecure   bool
}

// InventoryCapacities supplies per-host capacities vSphere does not expose:
// disk I/O and network bandwidth ceilings, in MB/s.
type InventoryCapacities struct {
	DiskIOMBps      float64
	NetworkBandMBps float64
}

// VSphereInventory wraps a govmomi client and exposes the cluster state the
// planner consumes.
type VSphereInventory struct {
	creds      VSphereCredentials
	caps       InventoryCapacities
	client     *govmomi.Client
	finder     *find.Finder
	datacenter *object.Datacenter
	perf       *performance.Manager
}

// NewVSphereInventory creates an inventory client; call Connect before use.
func NewVSphereInventory(creds VSphereCredentials, caps InventoryCapacities) *VSphereInventory {
	return &VSphereInventory{
		creds: creds,
		caps:  caps,
	}
}

// Connect establishes connection to vCenter
func (v *VSphereInventory) Connect(ctx context.Context) error {
	host := v.creds.Host
	if !strings.HasPrefix(host, "https://") && !strings.HasPrefix(host, "http://") {
		host = "https://" + host
	}

	u, err := url.Parse(host + "/sdk")
	if err != nil {
		return fmt.Errorf("invalid vCenter URL '%s': %w", v.creds.Host, err)
	}
	u.User = url.UserPassword(v.creds.Username, v.creds.Password)

	client, err := govmomi.NewClient(ctx, u, v.creds.Insecure)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "connection refused") {
			return fmt.Errorf("connection refused to vCenter at %s - verify the host is reachable", v.creds.Host)
		}
		if strings.Contains(errStr, "no such host") {
			return fmt.Errorf("cannot resolve vCenter hostname '%s' - verify DNS", v.creds.Host)
		}
		if strings.Contains(errStr, "401") || strings.Contains(errStr, "Cannot complete login") {
			return fmt.Errorf("authentication failed - verify username and password")
		}
		if strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "timeout") {
			return fmt.Errorf("connection timeout to vCenter at %s - check network connectivity", v.creds.Host)
		}
		if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "x509") {
			return fmt.Errorf("SSL certificate error connecting to %s - try setting VSPHERE_INSECURE=true", v.creds.Host)
		}
		return fmt.Errorf("failed to connect to vCenter at %s: %w", v.creds.Host, err)
	}

	v.client = client
	v.finder = find.NewFinder(client.Client, true)
	v.perf = performance.NewManager(client.Client)

	dc, err := v.finder.Datacenter(ctx, v.creds.Datacenter)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("datacenter '%s' not found - verify the datacenter name", v.creds.Datacenter)
		}
		return fmt.Errorf("error accessing datacenter '%s': %w", v.creds.Datacenter, err)
	}
	v.datacenter = dc
	v.finder.SetDatacenter(dc)

	slog.Info("vSphere connected successfully")
	slog.Debug("vSphere connection details", "host", v.creds.Host, "datacenter", v.creds.Datacenter)
	return nil
}

// Disconnect closes the vCenter connection
func (v *VSphereInventory) Disconnect(ctx context.Context) error {
	if v.client != nil {
		return v.client.Logout(ctx)
	}
	return nil
}

// IsConnected returns true if client has an active connection
func (v *VSphereInventory) IsConnected() bool {
	return v.client != nil && v.client.Valid()
}

// hostMeta maps a host's managed object reference to its name and cluster,
// shared between host and VM listing.
type hostMeta struct {
	name    string
	cluster string
}

// ListHosts returns all usable hosts, optionally restricted to one cluster.
// Hosts in maintenance mode or not connected are excluded so the planner
// never picks them as migration targets.
func (v *VSphereInventory) ListHosts(ctx context.Context, clusterFilter string) ([]models.Host, error) {
	hostSystems, err := v.finder.HostSystemList(ctx, "*")
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			slog.Warn("No hosts found in datacenter", "datacenter", v.creds.Datacenter)
			return nil, nil
		}
		return nil, fmt.Errorf("listing hosts: %w", err)
	}

	hosts := make([]models.Host, 0, len(hostSystems))
	refs := make([]types.ManagedObjectReference, 0, len(hostSystems))

	for _, hs := range hostSystems {
		var hostMo mo.HostSystem
		if err := hs.Properties(ctx, hs.Reference(), []string{"summary", "runtime", "parent"}, &hostMo); err != nil {
			// One unreadable host shrinks the scope, it never fails the run.
			slog.Warn("Skipping unreadable host", "host", hs.Name(), "error", err)
			continue
		}
		if hostMo.Runtime.ConnectionState != types.HostSystemConnectionStateConnected ||
			hostMo.Runtime.InMaintenanceMode ||
			hostMo.Runtime.PowerState != types.HostSystemPowerStatePoweredOn {
			slog.Debug("Skipping unusable host", "host", hs.Name(),
				"connection", hostMo.Runtime.ConnectionState,
				"maintenance", hostMo.Runtime.InMaintenanceMode)
			continue
		}

		cluster, err := v.clusterNameOf(ctx, hostMo.Parent)
		if err != nil {
			slog.Warn("Skipping host with unresolvable cluster", "host", hs.Name(), "error", err)
			continue
		}
		if clusterFilter != "" && cluster != clusterFilter {
			continue
		}

		hw := hostMo.Summary.Hardware
		if hw == nil {
			slog.Debug("Skipping host without a hardware summary", "host", hs.Name())
			continue
		}
		qs := hostMo.Summary.QuickStats
		h := models.Host{
			Name:      hs.Name(),
			Cluster:   cluster,
			Connected: true,
			Capacity: map[models.Metric]float64{
				models.MetricCPU:     float64(hw.NumCpuCores) * float64(hw.CpuMhz),
				models.MetricMemory:  float64(hw.MemorySize) / (1024 * 1024),
				models.MetricDisk:    v.caps.DiskIOMBps,
				models.MetricNetwork: v.caps.NetworkBandMBps,
			},
			Usage: map[models.Metric]float64{
				models.MetricCPU:    float64(qs.OverallCpuUsage),
				models.MetricMemory: float64(qs.OverallMemoryUsage),
			},
		}
		hosts = append(hosts, h)
		refs = append(refs, hs.Reference())
	}

	if len(hosts) == 0 {
		slog.Warn("No usable hosts after filtering", "cluster", clusterFilter)
		return nil, nil
	}

	ioByRef, err := v.sampleIOUsage(ctx, refs)
	if err != nil {
		slog.Warn("Disk/network sampling failed, continuing with zero I/O usage", "error", err)
	} else {
		for i := range hosts {
			if io, ok := ioByRef[refs[i].Value]; ok {
				hosts[i].Usage[models.MetricDisk] = io.diskMBps
				hosts[i].Usage[models.MetricNetwork] = io.netMBps
			}
		}
	}

	slog.Info("Host inventory complete", "hosts", len(hosts), "cluster", clusterFilter)
	return hosts, nil
}

// ListVMs returns all powered-on, non-template VMs placed on usable hosts,
// optionally restricted to one cluster.
func (v *VSphereInventory) ListVMs(ctx context.Context, clusterFilter string) ([]models.VM, error) {
	vmObjects, err := v.finder.VirtualMachineList(ctx, "*")
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			slog.Warn("No VMs found in datacenter", "datacenter", v.creds.Datacenter)
			return nil, nil
		}
		return nil, fmt.Errorf("listing VMs: %w", err)
	}

	hostsByRef, err := v.hostIndex(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*models.VM, len(vmObjects))
	vmRefs := make([]types.ManagedObjectReference, len(vmObjects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(propertyFetchWorkers)
	for i, vmObj := range vmObjects {
		i, vmObj := i, vmObj
		g.Go(func() error {
			var vmMo mo.VirtualMachine
			if err := vmObj.Properties(gctx, vmObj.Reference(), []string{"config", "runtime", "summary"}, &vmMo); err != nil {
				slog.Debug("Skipping unreadable VM", "vm", vmObj.Name(), "error", err)
				return nil
			}
			if vmMo.Config != nil && vmMo.Config.Template {
				return nil
			}
			if vmMo.Runtime.PowerState != types.VirtualMachinePowerStatePoweredOn {
				return nil
			}
			if vmMo.Runtime.Host == nil {
				return nil
			}
			meta, ok := hostsByRef[vmMo.Runtime.Host.Value]
			if !ok {
				return nil
			}
			if clusterFilter != "" && meta.cluster != clusterFilter {
				return nil
			}

			qs := vmMo.Summary.QuickStats
			results[i] = &models.VM{
				Name: vmObj.Name(),
				Host: meta.name,
				Demand: map[models.Metric]float64{
					models.MetricCPU:    float64(qs.OverallCpuUsage),
					models.MetricMemory: float64(qs.GuestMemoryUsage),
				},
			}
			vmRefs[i] = vmObj.Reference()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading VM properties: %w", err)
	}

	vms := make([]models.VM, 0, len(vmObjects))
	refs := make([]types.ManagedObjectReference, 0, len(vmObjects))
	for i, vm := range results {
		if vm == nil {
			continue
		}
		vms = append(vms, *vm)
		refs = append(refs, vmRefs[i])
	}

	ioByRef, err := v.sampleIOUsage(ctx, refs)
	if err != nil {
		slog.Warn("Disk/network sampling failed, continuing with zero I/O demand", "error", err)
	} else {
		for i := range vms {
			if io, ok := ioByRef[refs[i].Value]; ok {
				vms[i].Demand[models.MetricDisk] = io.diskMBps
				vms[i].Demand[models.MetricNetwork] = io.netMBps
			}
		}
	}

	slog.Info("VM inventory complete", "vms", len(vms), "cluster", clusterFilter)
	return vms, nil
}

// hostIndex resolves every host's name and cluster once so VM listing does
// not re-fetch per VM.
func (v *VSphereInventory) hostIndex(ctx context.Context) (map[string]hostMeta, error) {
	hostSystems, err := v.finder.HostSystemList(ctx, "*")
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return map[string]hostMeta{}, nil
		}
		return nil, fmt.Errorf("listing hosts: %w", err)
	}

	index := make(map[string]hostMeta, len(hostSystems))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(propertyFetchWorkers)
	for _, hs := range hostSystems {
		hs := hs
		g.Go(func() error {
			var hostMo mo.HostSystem
			if err := hs.Properties(gctx, hs.Reference(), []string{"parent"}, &hostMo); err != nil {
				// VMs on an unreadable host get skipped later as unresolved.
				slog.Warn("Skipping unreadable host", "host", hs.Name(), "error", err)
				return nil
			}
			cluster, err := v.clusterNameOf(gctx, hostMo.Parent)
			if err != nil {
				slog.Warn("Skipping host with unresolvable cluster", "host", hs.Name(), "error", err)
				return nil
			}
			mu.Lock()
			index[hs.Reference().Value] = hostMeta{name: hs.Name(), cluster: cluster}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return index, nil
}

// clusterNameOf fetches the cluster name behind a host's parent reference.
// Standalone hosts have a ComputeResource parent and report an empty cluster.
func (v *VSphereInventory) clusterNameOf(ctx context.Context, parent *types.ManagedObjectReference) (string, error) {
	if parent == nil || parent.Type != "ClusterComputeResource" {
		return "", nil
	}
	var clusterMo mo.ClusterComputeResource
	cluster := object.NewClusterComputeResource(v.client.Client, *parent)
	if err := cluster.Properties(ctx, cluster.Reference(), []string{"name"}, &clusterMo); err != nil {
		return "", err
	}
	return clusterMo.Name, nil
}

type ioUsage struct {
	diskMBps float64
	netMBps  float64
}

// sampleIOUsage queries the latest realtime sample of the disk and network
// throughput counters for the given entities, converted from KB/s to MB/s.
func (v *VSphereInventory) sampleIOUsage(ctx context.Context, refs []types.ManagedObjectReference) (map[string]ioUsage, error) {
	if len(refs) == 0 {
		return map[string]ioUsage{}, nil
	}

	spec := types.PerfQuerySpec{
		MaxSample:  1,
		IntervalId: 20,
	}
	sample, err := v.perf.SampleByName(ctx, spec, []string{counterDiskUsage, counterNetUsage}, refs)
	if err != nil {
		return nil, fmt.Errorf("querying performance counters: %w", err)
	}
	series, err := v.perf.ToMetricSeries(ctx, sample)
	if err != nil {
		return nil, fmt.Errorf("decoding performance series: %w", err)
	}

	usage := make(map[string]ioUsage, len(refs))
	for _, s := range series {
		io := usage[s.Entity.Value]
		for _, ms := range s.Value {
			if len(ms.Value) == 0 || ms.Instance != "" {
				continue
			}
			mbps := float64(ms.Value[0]) / 1024.0
			switch ms.Name {
			case counterDiskUsage:
				io.diskMBps = mbps
			case counterNetUsage:
				io.netMBps = mbps
			}
		}
		usage[s.Entity.Value] = io
	}
	return usage, nil
}
