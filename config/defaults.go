package config

import "time"

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		Channels: []string{DefaultChannel},
		Node: NodeConfig{
			Type: NodeVotes,
		},
		RadioStation: RadioStationConfig{
			Target:            "127.0.0.1:7102",
			Enabled:           true,
			RetryTimes:        5,
			Timeout:           5 * time.Second,
			ReconnectInterval: 60 * time.Second,
		},
		Engine: EngineConfig{
			Endpoint:          "http://127.0.0.1:9000",
			Timeout:           30 * time.Second,
			LoadRetryTimes:    3,
			LoadRetryInterval: 3 * time.Second,
		},
		Election: ElectionConfig{
			Mode:              ElectionRegistry,
			Announce:          AnnounceAuto,
			ComplainRatio:     0.51,
			ComplainTimeout:   30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Timers: TimerConfig{
			SubscribeRetry:      5 * time.Second,
			SubscribeRetryTimes: 10,
			Shutdown:            300 * time.Second,
			Freshness:           30 * time.Second,
			BlockInterval:       time.Second,
		},
		Subscribe: SubscribeConfig{
			Limit: 20,
		},
		Broadcast: BroadcastConfig{
			Transport:  TransportRPC,
			Workers:    8,
			RetryTimes: 3,
		},
		Genesis: GenesisConfig{
			AllowEmptyBlock: true,
		},
		DB: DBConfig{
			SyncWrites: true,
		},
		P2P: P2PConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       7100,
			MaxPeers:   50,
			// Seeds are libp2p multiaddrs, e.g.
			//   "/ip4/203.0.113.1/tcp/7100/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Addr:       "127.0.0.1",
			Port:       9100,
			AllowedIPs: []string{},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:9200",
			Namespace: "loopchain",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
