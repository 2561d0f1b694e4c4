package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// Server 将注册中心中的服务以DNS记录的形式提供出去
type Server struct {
	config   *Config
	resolver Resolver
	logger   config.Logger
	domain   string

	udpServer  *dns.Server
	tcpServer  *dns.Server
	udpAddr    net.Addr
	shutdownWg sync.WaitGroup
}

// NewServer 创建DNS服务
func NewServer(cfg *Config, resolver Resolver, logger config.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		config:   cfg,
		resolver: resolver,
		logger:   logger,
		domain:   dns.Fqdn(strings.ToLower(cfg.Domain)),
	}
}

// Start 同步监听UDP和TCP端口，随后在后台处理请求
func (s *Server) Start() error {
	pc, err := net.ListenPacket("udp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("监听UDP %s 失败: %w", s.config.Addr, err)
	}
	s.udpAddr = pc.LocalAddr()

	// TCP与UDP使用同一端口
	ln, err := net.Listen("tcp", s.udpAddr.String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("监听TCP %s 失败: %w", s.udpAddr, err)
	}

	var started sync.WaitGroup
	started.Add(2)
	s.udpServer = &dns.Server{PacketConn: pc, Handler: s, NotifyStartedFunc: started.Done,
		ReadTimeout: s.config.Timeout, WriteTimeout: s.config.Timeout}
	s.tcpServer = &dns.Server{Listener: ln, Handler: s, NotifyStartedFunc: started.Done,
		ReadTimeout: s.config.Timeout, WriteTimeout: s.config.Timeout}

	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		srv := srv
		s.shutdownWg.Add(1)
		go func() {
			defer s.shutdownWg.Done()
			if err := srv.ActivateAndServe(); err != nil {
				s.logger.Error("DNS服务器异常退出", zap.Error(err))
			}
		}()
	}
	// 等待两个监听器都开始处理请求
	started.Wait()

	s.logger.Info("DNS服务启动",
		zap.String("addr", s.udpAddr.String()),
		zap.String("domain", s.domain))
	return nil
}

// Addr 返回实际监听的地址
func (s *Server) Addr() string {
	if s.udpAddr == nil {
		return s.config.Addr
	}
	return s.udpAddr.String()
}

// Stop 停止DNS服务
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}
	s.shutdownWg.Wait()
	return errors.Join(errs...)
}

// ServeDNS 处理DNS请求，本域名下的查询由注册中心应答，其余转发到上游
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := s.handle(r)
	if err := w.WriteMsg(m); err != nil {
		s.logger.Warn("发送DNS响应失败", zap.Error(err))
	}
}

func (s *Server) handle(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)

	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		return m
	}
	q := r.Question[0]

	name, ok := s.serviceName(q.Name)
	if !ok {
		return s.forward(r, m)
	}

	m.Authoritative = true
	s.logger.Debug("收到DNS查询",
		zap.String("name", q.Name),
		zap.String("type", dns.TypeToString[q.Qtype]))

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	status, err := s.lookup(ctx, name)
	if err != nil {
		if model.IsNotFound(err) {
			m.Rcode = dns.RcodeNameError
			return m
		}
		s.logger.Error("查询服务失败", zap.String("service", name), zap.Error(err))
		m.Rcode = dns.RcodeServerFailure
		return m
	}

	if status.Status == model.HealthStatusUnhealthy {
		s.logger.Debug("服务不健康，返回NXDOMAIN", zap.String("service", name))
		m.Rcode = dns.RcodeNameError
		return m
	}

	s.answer(m, q, &status.Service)
	return m
}

// lookup 先按原样查询服务名，找不到时再按小写查询。
// DNS名称不区分大小写，客户端可能改变标签的大小写
func (s *Server) lookup(ctx context.Context, name string) (*model.ServiceStatus, error) {
	status, err := s.resolver.Get(ctx, name)
	if err == nil || !model.IsNotFound(err) {
		return status, err
	}
	if lower := strings.ToLower(name); lower != name {
		return s.resolver.Get(ctx, lower)
	}
	return nil, err
}

// serviceName 从查询域名中取出服务名，域名后缀不区分大小写
func (s *Server) serviceName(qname string) (string, bool) {
	fqdn := dns.Fqdn(qname)
	if !strings.HasSuffix(strings.ToLower(fqdn), "."+s.domain) {
		return "", false
	}
	name := fqdn[:len(fqdn)-len(s.domain)-1]
	if name == "" {
		return "", false
	}
	return name, true
}

// answer 按查询类型填充记录，类型不匹配时返回无数据的成功响应
func (s *Server) answer(m *dns.Msg, q dns.Question, svc *model.Service) {
	hdr := func(name string, rrtype uint16) dns.RR_Header {
		return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: s.config.TTL}
	}
	ip := net.ParseIP(svc.Host)

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		if ip == nil {
			m.Answer = append(m.Answer, &dns.CNAME{Hdr: hdr(q.Name, dns.TypeCNAME), Target: dns.Fqdn(svc.Host)})
			return
		}
		if rr := addressRecord(hdr, q.Name, ip); rr != nil && rr.Header().Rrtype == q.Qtype {
			m.Answer = append(m.Answer, rr)
		}
	case dns.TypeSRV:
		target := dns.Fqdn(svc.Host)
		if ip != nil {
			target = dns.Fqdn(q.Name)
			m.Extra = append(m.Extra, addressRecord(hdr, target, ip))
		}
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr:    hdr(q.Name, dns.TypeSRV),
			Port:   uint16(svc.Port),
			Target: target,
		})
	}
}

func addressRecord(hdr func(string, uint16) dns.RR_Header, name string, ip net.IP) dns.RR {
	if v4 := ip.To4(); v4 != nil {
		return &dns.A{Hdr: hdr(name, dns.TypeA), A: v4}
	}
	return &dns.AAAA{Hdr: hdr(name, dns.TypeAAAA), AAAA: ip}
}

// forward 将请求依次转发到上游DNS服务器
func (s *Server) forward(r *dns.Msg, m *dns.Msg) *dns.Msg {
	if len(s.config.Upstream) == 0 {
		m.Rcode = dns.RcodeNameError
		return m
	}

	c := &dns.Client{Timeout: s.config.Timeout}
	var lastErr error
	for _, upstream := range s.config.Upstream {
		resp, _, err := c.Exchange(r, upstream)
		if err == nil && resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: s.config.Timeout}
			resp, _, err = tcp.Exchange(r, upstream)
		}
		if err != nil {
			s.logger.Warn("上游DNS请求失败", zap.String("upstream", upstream), zap.Error(err))
			lastErr = err
			continue
		}
		return resp
	}

	s.logger.Error("所有上游DNS服务器都失败", zap.Error(lastErr))
	m.Rcode = dns.RcodeServerFailure
	return m
}
