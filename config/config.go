package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaults for when not provided in Config
	EventChannelLength        uint16        = 1024
	TcpKeepAliveInterval      time.Duration = time.Second * 17
	TcpKeepAliveCount         uint16        = 2
	TcpDialTimeout            time.Duration = time.Second * 3
	TcpReconnectInterval      time.Duration = time.Second * 5
	TcpReconnectWindow        time.Duration = time.Second * 17
	HandshakeTimeout          time.Duration = time.Second * 59
	ReconnectWaitTime         time.Duration = time.Second * 2
	AsyncDistributionTimeout  time.Duration = 0
	AsyncQueueTimeout         time.Duration = time.Minute * 1
	AsyncMaxQueueSize         uint64        = 8 * 1024 * 1024
	AckWaitThreshold          time.Duration = time.Second * 15
	AckSevereAlertThreshold   time.Duration = 0
	IdleTimeout               time.Duration = time.Minute * 5
	MemberTimeout             time.Duration = time.Second * 5
	ReaderJoinTimeoutFirst    time.Duration = time.Millisecond * 500
	ReaderJoinTimeoutSecond   time.Duration = time.Millisecond * 1500
	SlowReceiverDisconnectMax time.Duration = time.Second * 3
)

// Config carries every tunable the connection subsystem consumes, per
// spec.md section 6. Zero values fall back to the package defaults above.
type Config struct {
	Host     string
	Instance string

	SelfAddress     string
	PeerAddressList []string

	EventChannelLength uint16

	TcpKeepAliveInterval uint16 // seconds
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16 // seconds
	TcpReconnectInterval uint16 // seconds
	TcpReconnectWindow   uint16 // seconds
	TcpReconnectLogEvery uint32

	MemberTimeoutMS            uint32
	AsyncDistributionTimeoutMS uint32
	AsyncQueueTimeoutMS        uint32
	AsyncMaxQueueSize          uint64
	AckWaitThresholdS          uint32
	AckSevereAlertThresholdS   uint32
	IdleTimeoutMS              uint32
	HandshakeTimeoutMS         uint32

	UseSSL                         bool
	RequirePeerAuthentication      bool
	EnableNetworkPartitionDetection bool

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Error().Msg(err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Error().Msg(err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Error().Msg(err.Error())
		return err
	}

	if c.SelfAddress == "" {
		err := fmt.Errorf("invalid SelfAddress=%s", c.SelfAddress)
		log.Error().Msg(err.Error())
		return err
	}

	for _, address := range c.PeerAddressList {
		if address == "" {
			err := fmt.Errorf("invalid PeerAddressList=%+v", c.PeerAddressList)
			log.Error().Msg(err.Error())
			return err
		}
	}

	if c.TcpKeepAliveInterval == 0 {
		err := fmt.Errorf("invalid TcpKeepAliveInterval=%d", c.TcpKeepAliveInterval)
		log.Error().Msg(err.Error())
		return err
	}

	if c.TcpKeepAliveCount == 0 {
		err := fmt.Errorf("invalid TcpKeepAliveCount=%d", c.TcpKeepAliveCount)
		log.Error().Msg(err.Error())
		return err
	}

	if c.TcpDialTimeout == 0 {
		err := fmt.Errorf("invalid TcpDialTimeout=%d", c.TcpDialTimeout)
		log.Error().Msg(err.Error())
		return err
	}

	if c.TcpReconnectInterval == 0 {
		err := fmt.Errorf("invalid TcpReconnectInterval=%d", c.TcpReconnectInterval)
		log.Error().Msg(err.Error())
		return err
	}

	if c.TcpReconnectWindow == 0 {
		err := fmt.Errorf("invalid TcpReconnectWindow=%d", c.TcpReconnectWindow)
		log.Error().Msg(err.Error())
		return err
	}

	return nil
}

// ConnectTimeout derives the TCP connect timeout as 6x the member timeout
// per spec.md section 4.5, falling back to the package default when
// MemberTimeoutMS is unset.
func (c *Config) ConnectTimeout() time.Duration {
	if c.MemberTimeoutMS == 0 {
		return MemberTimeout * 6
	}
	return time.Millisecond * time.Duration(c.MemberTimeoutMS) * 6
}

func (c *Config) HandshakeTimeoutDuration() time.Duration {
	if c.HandshakeTimeoutMS == 0 {
		return HandshakeTimeout
	}
	return time.Millisecond * time.Duration(c.HandshakeTimeoutMS)
}

func (c *Config) AsyncDistributionTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.AsyncDistributionTimeoutMS)
}

func (c *Config) AsyncQueueTimeoutDuration() time.Duration {
	if c.AsyncQueueTimeoutMS == 0 {
		return AsyncQueueTimeout
	}
	return time.Millisecond * time.Duration(c.AsyncQueueTimeoutMS)
}

func (c *Config) AsyncMaxQueueSizeBytes() uint64 {
	if c.AsyncMaxQueueSize == 0 {
		return AsyncMaxQueueSize
	}
	return c.AsyncMaxQueueSize
}

func (c *Config) AckWaitTimeoutDuration() time.Duration {
	if c.AckWaitThresholdS == 0 {
		return AckWaitThreshold
	}
	return time.Second * time.Duration(c.AckWaitThresholdS)
}

func (c *Config) AckSevereAlertTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.AckSevereAlertThresholdS)
}

func (c *Config) IdleTimeoutDuration() time.Duration {
	if c.IdleTimeoutMS == 0 {
		return IdleTimeout
	}
	return time.Millisecond * time.Duration(c.IdleTimeoutMS)
}
