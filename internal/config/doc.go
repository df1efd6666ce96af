// Package config provides configuration loading for the tether daemon.
//
// Values come from three layers, each overriding the previous one: the
// defaults returned by New, an optional tether.json file, and TETHER_*
// environment variables.
//
// # Configuration File Structure
//
//	{
//	  "listen": {
//	    "http": ":8080",
//	    "websocketPath": "/ws",
//	    "tcp": ":9000"
//	  },
//	  "session": {
//	    "gracePeriod": "30s",
//	    "heartbeatInterval": "5s"
//	  },
//	  "limits": {
//	    "maxSessions": 10000
//	  },
//	  "log": {
//	    "level": "debug",
//	    "format": "console"
//	  },
//	  "moderation": {
//	    "enabled": true,
//	    "blockedWords": ["darn"]
//	  }
//	}
//
// # Environment
//
// Nested fields join their section prefix, e.g. TETHER_LISTEN_TCP,
// TETHER_SESSION_GRACE_PERIOD=45s or TETHER_MODERATION_BLOCKED_WORDS=a,b.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(world, cfg.ServerConfig())
package config
