package provisioning

import (
	"context"
	"errors"
	"strings"
	"time"

	"csdriver/internal/cloudstack"
	"csdriver/internal/config"
	"csdriver/internal/errdefs"
	"csdriver/internal/state"
	"csdriver/internal/util/clock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// withoutPolls drops job queries so call order checks read clearly.
func withoutPolls(calls []string) []string {
	var out []string
	for _, c := range calls {
		if c != "queryAsyncJobResult" {
			out = append(out, c)
		}
	}
	return out
}

var _ = Describe("Driver", func() {
	var (
		ctx       context.Context
		api       *fakeCloud
		store     *state.MemoryStore
		prober    *fakeProber
		installer *fakeInstaller
		settings  Settings
	)

	newDriver := func() *Driver {
		poller := NewPoller(api, settings.JobTimeout/60, clock.NewFake(epoch))
		resolver := NewResolver(api, poller, ResolverOptions{
			JobTimeout:       settings.JobTimeout,
			FirewallAttempts: 5,
			FirewallInterval: time.Second,
		})
		return NewDriverWith(api, store, poller, resolver, prober, installer, settings)
	}

	deployReturns := func(vm map[string]any) {
		api.nextResponses["deployVirtualMachine"] = &cloudstack.AsyncResponse{ID: "i-1", JobID: "j-1"}
		api.jobs["j-1"] = []*cloudstack.AsyncJob{
			pending("j-1"),
			succeeded("j-1", "virtualmachine", vm),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeCloud()
		store = state.NewMemoryStore()
		prober = &fakeProber{}
		installer = &fakeInstaller{}
		settings = Settings{
			Instance: config.InstanceConfig{
				Name:              "t1",
				TemplateID:        "tmpl-1",
				ServiceOfferingID: "off-1",
				ZoneID:            "z1",
			},
			Network:     config.NetworkConfig{CreateFirewallRule: true},
			Username:    "root",
			Port:        22,
			JobTimeout:  10 * time.Minute,
			ProbeBudget: 10 * time.Minute,
			Expunge:     true,
			Login:       "ci",
			Hostname:    "runner",
		}
	})

	Describe("Create", func() {
		It("deploys, resolves, probes and records the instance", func() {
			deployReturns(map[string]any{
				"id":              "i-1",
				"nic":             []map[string]any{{"ipaddress": "10.0.0.5"}},
				"passwordenabled": true,
				"password":        "pw123",
			})

			rec, err := newDriver().Create(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*rec).To(Equal(state.InstanceRecord{
				ServerID: "i-1",
				Hostname: "10.0.0.5",
				Password: "pw123",
			}))

			stored, err := store.Load(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*stored).To(Equal(*rec))

			Expect(api.Calls()).To(Equal([]string{
				"deployVirtualMachine", "queryAsyncJobResult", "queryAsyncJobResult",
			}))
			Expect(api.deployed).To(HaveLen(1))
			Expect(api.deployed[0].Name).To(Equal("t1"))
			Expect(api.deployed[0].TemplateID).To(Equal("tmpl-1"))
			Expect(api.deployed[0].ServiceOfferingID).To(Equal("off-1"))
			Expect(api.deployed[0].ZoneID).To(Equal("z1"))

			Expect(prober.targets).To(HaveLen(1))
			Expect(prober.targets[0].Host).To(Equal("10.0.0.5"))
			Expect(prober.targets[0].Password).To(Equal("pw123"))
			Expect(prober.budgets).To(ConsistOf(10 * time.Minute))
			Expect(installer.targets).To(HaveLen(1))
			Expect(installer.targets[0].Address()).To(Equal("10.0.0.5:22"))
		})

		It("returns an existing record without calling the API", func() {
			existing := &state.InstanceRecord{ServerID: "i-9", Hostname: "10.9.9.9"}
			Expect(store.Save(ctx, "t1", existing)).To(Succeed())

			rec, err := newDriver().Create(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ServerID).To(Equal("i-9"))
			Expect(api.Calls()).To(BeEmpty())
			Expect(prober.targets).To(BeEmpty())
		})

		It("keeps server_id when the deploy job fails", func() {
			api.nextResponses["deployVirtualMachine"] = &cloudstack.AsyncResponse{ID: "i-1", JobID: "j-1"}
			api.jobs["j-1"] = []*cloudstack.AsyncJob{failed("j-1", 530, "Unable to create a deployment for VM")}

			_, err := newDriver().Create(ctx, "t1")
			Expect(err).To(HaveOccurred())

			var jobErr *errdefs.JobFailedError
			Expect(errors.As(err, &jobErr)).To(BeTrue())
			Expect(jobErr.Text).To(Equal("Unable to create a deployment for VM"))

			var phaseErr *PhaseError
			Expect(errors.As(err, &phaseErr)).To(BeTrue())
			Expect(phaseErr.Phase).To(Equal(PhaseAwaitingJob))

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.ServerID).To(Equal("i-1"))
			Expect(prober.targets).To(BeEmpty())
		})

		It("persists server_id before waiting on the job", func() {
			api.nextResponses["deployVirtualMachine"] = &cloudstack.AsyncResponse{ID: "i-1", JobID: "j-1"}
			api.errs["queryAsyncJobResult"] = errors.New("connection reset")

			_, err := newDriver().Create(ctx, "t1")
			Expect(err).To(HaveOccurred())

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.ServerID).To(Equal("i-1"))
		})

		It("resolves catalog names and generates a name", func() {
			settings.Instance = config.InstanceConfig{
				ZoneName:            "zone-a",
				TemplateName:        "debian-12",
				ServiceOfferingName: "small",
				NetworkName:         "tier-1",
			}
			api.zones["zone-a"] = []cloudstack.Resource{{ID: "z1", Name: "zone-a"}}
			api.templates["debian-12"] = []cloudstack.Resource{{ID: "tmpl-1", Name: "debian-12"}}
			api.offerings["small"] = []cloudstack.Resource{{ID: "off-1", Name: "small"}}
			api.networks["tier-1"] = []cloudstack.Resource{{ID: "n-1", Name: "tier-1"}}
			deployReturns(map[string]any{
				"id":  "i-1",
				"nic": []map[string]any{{"ipaddress": "10.0.0.5", "isdefault": true}},
			})

			_, err := newDriver().Create(ctx, "build")
			Expect(err).NotTo(HaveOccurred())

			p := api.deployed[0]
			Expect(p.ZoneID).To(Equal("z1"))
			Expect(p.TemplateID).To(Equal("tmpl-1"))
			Expect(p.ServiceOfferingID).To(Equal("off-1"))
			Expect(p.NetworkIDs).To(Equal([]string{"n-1"}))
			Expect(p.Name).To(BeEmpty())
			Expect(p.DisplayName).To(MatchRegexp(`^build-ci-runner-[0-9a-z]{8}$`))
		})

		It("fails with a ConfigError when a name matches nothing", func() {
			settings.Instance.TemplateID = ""
			settings.Instance.TemplateName = "missing"

			_, err := newDriver().Create(ctx, "t1")
			Expect(errdefs.IsConfig(err)).To(BeTrue())
			Expect(withoutPolls(api.Calls())).To(Equal([]string{"listTemplates"}))

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.Empty()).To(BeTrue())
		})

		It("records every network id when forwarding fails", func() {
			settings.Network.AssociatePublicIP = true
			deployReturns(map[string]any{
				"id":  "i-1",
				"nic": []map[string]any{{"ipaddress": "10.0.0.5", "networkid": "n-1"}},
			})
			withFloatingIP(api)
			api.errs["createPortForwardingRule"] = errors.New("rule conflicts")

			_, err := newDriver().Create(ctx, "t1")
			Expect(err).To(HaveOccurred())

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.ServerID).To(Equal("i-1"))
			Expect(stored.IPAddressID).To(Equal("ip-1"))
			Expect(stored.FirewallRuleID).To(Equal("createFirewallRule-id"))
			Expect(stored.ForwardingRuleID).To(BeEmpty())
			Expect(prober.targets).To(BeEmpty())
		})

		It("probes the floating address", func() {
			settings.Network.AssociatePublicIP = true
			deployReturns(map[string]any{
				"id":              "i-1",
				"nic":             []map[string]any{{"ipaddress": "10.0.0.5", "networkid": "n-1"}},
				"passwordenabled": true,
				"password":        "pw123",
			})
			withFloatingIP(api)

			rec, err := newDriver().Create(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Hostname).To(Equal("203.0.113.10"))
			Expect(rec.ForwardingRuleID).To(Equal("createPortForwardingRule-id"))
			Expect(prober.targets[0].Host).To(Equal("203.0.113.10"))
		})

		It("surfaces a probe timeout and keeps the record", func() {
			deployReturns(map[string]any{
				"id":  "i-1",
				"nic": []map[string]any{{"ipaddress": "10.0.0.5"}},
			})
			prober.err = errdefs.Timeout("10.0.0.5:22", nil)

			_, err := newDriver().Create(ctx, "t1")
			Expect(errors.Is(err, errdefs.ErrTimeout)).To(BeTrue())

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.Hostname).To(Equal("10.0.0.5"))
			Expect(installer.targets).To(BeEmpty())
		})

		It("skips credential deployment without a key or password", func() {
			deployReturns(map[string]any{
				"id":  "i-1",
				"nic": []map[string]any{{"ipaddress": "10.0.0.5"}},
			})

			_, err := newDriver().Create(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(prober.targets).To(HaveLen(1))
			Expect(installer.targets).To(BeEmpty())
		})

		It("generates cloud-config user data for the public key", func() {
			settings.Instance.CloudConfigPublicKey = true
			settings.PublicKey = testPublicKey
			deployReturns(map[string]any{
				"id":  "i-1",
				"nic": []map[string]any{{"ipaddress": "10.0.0.5"}},
			})

			_, err := newDriver().Create(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.HasPrefix(api.deployed[0].UserData, "#cloud-config\n")).To(BeTrue())
			Expect(api.deployed[0].UserData).To(ContainSubstring(testPublicKey))
		})
	})

	Describe("Destroy", func() {
		full := state.InstanceRecord{
			ServerID:         "i-1",
			Hostname:         "203.0.113.10",
			Password:         "pw123",
			IPAddressID:      "ip-1",
			FirewallRuleID:   "fw-1",
			ForwardingRuleID: "pf-1",
		}

		It("does nothing without a server id", func() {
			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())
			Expect(api.Calls()).To(BeEmpty())
		})

		It("releases resources in reverse creation order", func() {
			rec := full
			Expect(store.Save(ctx, "t1", &rec)).To(Succeed())

			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())
			Expect(withoutPolls(api.Calls())).To(Equal([]string{
				"deletePortForwardingRule",
				"deleteFirewallRule",
				"disassociateIpAddress",
				"destroyVirtualMachine",
			}))
			Expect(api.destroyed).To(Equal([]string{"i-1 expunge=true"}))

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.Empty()).To(BeTrue())
		})

		It("makes no API calls when destroyed a second time", func() {
			rec := full
			Expect(store.Save(ctx, "t1", &rec)).To(Succeed())
			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())

			api.calls = nil
			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())
			Expect(api.Calls()).To(BeEmpty())
			Expect(api.destroyed).To(HaveLen(1))
		})

		It("treats resources that are already gone as released", func() {
			rec := full
			Expect(store.Save(ctx, "t1", &rec)).To(Succeed())
			api.errs["deleteFirewallRule"] = &cloudstack.APIError{Command: "deleteFirewallRule", Code: 431, Text: "Unable to find firewall rule"}
			api.nextResponses["disassociateIpAddress"] = &cloudstack.AsyncResponse{JobID: "j-ip"}
			api.jobs["j-ip"] = []*cloudstack.AsyncJob{failed("j-ip", 530, "IP address id=ip-1 does not exist")}

			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())
			stored, _ := store.Load(ctx, "t1")
			Expect(stored.Empty()).To(BeTrue())
		})

		It("keeps unreleased ids and server_id when a step fails", func() {
			rec := full
			Expect(store.Save(ctx, "t1", &rec)).To(Succeed())
			api.errs["disassociateIpAddress"] = errors.New("ip in use")

			err := newDriver().Destroy(ctx, "t1")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("ip in use"))

			// The remaining steps still ran.
			Expect(withoutPolls(api.Calls())).To(ContainElement("destroyVirtualMachine"))

			stored, _ := store.Load(ctx, "t1")
			Expect(stored.ServerID).To(Equal("i-1"))
			Expect(stored.IPAddressID).To(Equal("ip-1"))
			Expect(stored.FirewallRuleID).To(BeEmpty())
			Expect(stored.ForwardingRuleID).To(BeEmpty())

			By("retrying once the address can be released")
			delete(api.errs, "disassociateIpAddress")
			api.calls = nil
			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())
			Expect(withoutPolls(api.Calls())).To(Equal([]string{"disassociateIpAddress", "destroyVirtualMachine"}))

			stored, _ = store.Load(ctx, "t1")
			Expect(stored.Empty()).To(BeTrue())
		})

		It("passes the expunge setting through", func() {
			settings.Expunge = false
			rec := state.InstanceRecord{ServerID: "i-1"}
			Expect(store.Save(ctx, "t1", &rec)).To(Succeed())

			Expect(newDriver().Destroy(ctx, "t1")).To(Succeed())
			Expect(api.destroyed).To(Equal([]string{"i-1 expunge=false"}))
		})
	})
})
