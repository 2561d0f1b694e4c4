package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// fakeResolver 使用固定的服务表应答
type fakeResolver struct {
	services map[string]*model.ServiceStatus
	err      error
}

func (r *fakeResolver) Get(_ context.Context, name string) (*model.ServiceStatus, error) {
	if r.err != nil {
		return nil, r.err
	}
	st, ok := r.services[name]
	if !ok {
		return nil, model.NewNotFoundError("服务不存在: " + name)
	}
	return st, nil
}

func status(name, host string, port int, health model.HealthStatus) *model.ServiceStatus {
	return &model.ServiceStatus{
		Service: model.Service{Name: name, Host: host, Port: port, Path: "/"},
		Health:  model.Health{Status: health},
	}
}

func newTestResolver() *fakeResolver {
	return &fakeResolver{services: map[string]*model.ServiceStatus{
		"api":    status("api", "10.0.0.1", 8080, model.HealthStatusHealthy),
		"cache":  status("cache", "fd00::1", 6379, model.HealthStatusUnknown),
		"web":    status("web", "web.internal.example.com", 443, model.HealthStatusHealthy),
		"broken": status("broken", "10.0.0.9", 80, model.HealthStatusUnhealthy),
	}}
}

func newTestServer(resolver Resolver, upstream ...string) *Server {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Timeout = time.Second
	cfg.Upstream = upstream
	return NewServer(cfg, resolver, config.NewNopLogger())
}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestARecord(t *testing.T) {
	s := newTestServer(newTestResolver())

	resp := s.handle(query("api.registry.local", dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok, "应返回A记录: %T", resp.Answer[0])
	assert.Equal(t, "10.0.0.1", a.A.String())
	assert.Equal(t, uint32(30), a.Hdr.Ttl)

	resp = s.handle(query("api.registry.local", dns.TypeAAAA))
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode, "IPv4服务的AAAA查询应返回无数据")
	assert.Empty(t, resp.Answer)
}

func TestAAAARecordForUnknownHealth(t *testing.T) {
	s := newTestServer(newTestResolver())

	resp := s.handle(query("cache.registry.local", dns.TypeAAAA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode, "未检查过的服务也应可解析")
	require.Len(t, resp.Answer, 1)
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "fd00::1", aaaa.AAAA.String())
}

func TestCNAMEForHostname(t *testing.T) {
	s := newTestServer(newTestResolver())

	resp := s.handle(query("web.registry.local", dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	cname, ok := resp.Answer[0].(*dns.CNAME)
	require.True(t, ok)
	assert.Equal(t, "web.internal.example.com.", cname.Target)
}

func TestSRVRecord(t *testing.T) {
	s := newTestServer(newTestResolver())

	resp := s.handle(query("api.registry.local", dns.TypeSRV))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	srv, ok := resp.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(8080), srv.Port)
	assert.Equal(t, "api.registry.local.", srv.Target)
	require.Len(t, resp.Extra, 1)
	assert.Equal(t, "10.0.0.1", resp.Extra[0].(*dns.A).A.String())

	resp = s.handle(query("web.registry.local", dns.TypeSRV))
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "web.internal.example.com.", resp.Answer[0].(*dns.SRV).Target)
	assert.Empty(t, resp.Extra, "主机名目标不附带地址记录")
}

func TestNXDOMAIN(t *testing.T) {
	s := newTestServer(newTestResolver())

	tests := []struct {
		name  string
		qname string
	}{
		{"不健康的服务", "broken.registry.local"},
		{"未注册的服务", "missing.registry.local"},
		{"域名本身", "registry.local"},
		{"外部域名且无上游", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.handle(query(tt.qname, dns.TypeA))
			assert.Equal(t, dns.RcodeNameError, resp.Rcode)
			assert.Empty(t, resp.Answer)
		})
	}
}

func TestResolverFailure(t *testing.T) {
	s := newTestServer(&fakeResolver{err: model.NewBackendUnavailableError("存储不可用", errors.New("down"))})

	resp := s.handle(query("api.registry.local", dns.TypeA))
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestDomainCaseInsensitive(t *testing.T) {
	s := newTestServer(newTestResolver())

	resp := s.handle(query("api.Registry.LOCAL", dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Len(t, resp.Answer, 1)
}

func TestServiceLabelCaseFolding(t *testing.T) {
	r := newTestResolver()
	r.services["Billing"] = status("Billing", "10.0.0.2", 80, model.HealthStatusHealthy)
	s := newTestServer(r)

	tests := []struct {
		name  string
		qname string
		ip    string
	}{
		{"大写标签解析到小写服务", "API.registry.local", "10.0.0.1"},
		{"混合大小写标签", "Api.Registry.Local", "10.0.0.1"},
		{"大写服务名按原样匹配", "Billing.registry.local", "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.handle(query(tt.qname, dns.TypeA))
			require.Equal(t, dns.RcodeSuccess, resp.Rcode)
			require.Len(t, resp.Answer, 1)
			assert.Equal(t, tt.ip, resp.Answer[0].(*dns.A).A.String())
		})
	}

	resp := s.handle(query("MISSING.registry.local", dns.TypeA))
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestForwardToUpstream(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	upstream := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP("93.184.216.34").To4(),
		})
		_ = w.WriteMsg(m)
	})}
	started := make(chan struct{})
	upstream.NotifyStartedFunc = func() { close(started) }
	go func() { _ = upstream.ActivateAndServe() }()
	<-started
	defer upstream.Shutdown()

	s := newTestServer(newTestResolver(), pc.LocalAddr().String())
	resp := s.handle(query("example.com", dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "93.184.216.34", resp.Answer[0].(*dns.A).A.String())
}

func TestUpstreamUnavailable(t *testing.T) {
	// 保留端口后立即释放，确保无人应答
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	s := newTestServer(newTestResolver(), addr)
	s.config.Timeout = 200 * time.Millisecond
	resp := s.handle(query("example.com", dns.TypeA))
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestServerOverNetwork(t *testing.T) {
	s := newTestServer(newTestResolver())
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	}()

	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			c := &dns.Client{Net: network, Timeout: time.Second}
			resp, _, err := c.Exchange(query("api.registry.local", dns.TypeA), s.Addr())
			require.NoError(t, err)
			require.Equal(t, dns.RcodeSuccess, resp.Rcode)
			require.Len(t, resp.Answer, 1)
			assert.Equal(t, "10.0.0.1", resp.Answer[0].(*dns.A).A.String())
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{}
	cfg.DNS.Addr = "127.0.0.1:1053"
	cfg.DNS.Upstream = []string{"1.1.1.1:53"}

	c := ConfigFrom(cfg)
	assert.Equal(t, "127.0.0.1:1053", c.Addr)
	assert.Equal(t, "registry.local", c.Domain)
	assert.Equal(t, uint32(30), c.TTL)
	assert.Equal(t, []string{"1.1.1.1:53"}, c.Upstream)
}
