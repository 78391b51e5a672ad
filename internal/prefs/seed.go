package prefs

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML document accepted by Import and produced by Export.
//
//	profile:
//	  nick: alice
//	servers:
//	  - name: irc.example.org
//	    port: 6667
//	    channels:
//	      - name: "#general"
//	        auto_join: true
type Seed struct {
	Profile *Profile     `yaml:"profile,omitempty"`
	Servers []SeedServer `yaml:"servers"`
}

// SeedServer is a server with its channels.
type SeedServer struct {
	Server   `yaml:",inline"`
	Channels []Channel `yaml:"channels,omitempty"`
}

// Import merges the seed read from r into the store.
func (s *Store) Import(r io.Reader) (int, error) {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed: %w", err)
	}

	if seed.Profile != nil {
		if err := s.SaveProfile(*seed.Profile); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, ss := range seed.Servers {
		if ss.Port == 0 {
			ss.Port = 6667
		}
		if err := s.SaveServer(ss.Server); err != nil {
			return n, err
		}
		for _, ch := range ss.Channels {
			ch.Server = ss.Name
			if err := s.SaveChannel(ch); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

// Export writes every saved server, channel and the profile as YAML.
func (s *Store) Export(w io.Writer) error {
	var seed Seed

	p, ok, err := s.Profile()
	if err != nil {
		return err
	}
	if ok {
		seed.Profile = &p
	}

	servers, err := s.Servers()
	if err != nil {
		return err
	}
	for _, srv := range servers {
		channels, err := s.Channels(srv.Name)
		if err != nil {
			return err
		}
		seed.Servers = append(seed.Servers, SeedServer{Server: srv, Channels: channels})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&seed); err != nil {
		return fmt.Errorf("failed to write seed: %w", err)
	}
	return enc.Close()
}
