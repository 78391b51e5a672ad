// Package prefs persists saved servers, per-channel settings and the user
// profile in BadgerDB. Records are protobuf Structs.
package prefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownServer is returned when saving a channel of a server that was
// never saved.
var ErrUnknownServer = errors.New("unknown server")

const (
	serverPrefix  = "server\x00"
	channelPrefix = "channel\x00"
	profileKey    = "profile"
)

// Server is a saved connection.
type Server struct {
	Name          string    `yaml:"name"`
	Port          int       `yaml:"port"`
	Nick          string    `yaml:"nick"`
	User          string    `yaml:"user"`
	RealName      string    `yaml:"realname"`
	LastConnected time.Time `yaml:"last_connected,omitempty"`
}

// Channel holds the settings of one channel on a saved server.
type Channel struct {
	Server   string `yaml:"-"`
	Name     string `yaml:"name"`
	Private  bool   `yaml:"private"`
	AutoJoin bool   `yaml:"auto_join"`
}

// Profile is the default identity.
type Profile struct {
	Nick     string `yaml:"nick"`
	User     string `yaml:"user"`
	RealName string `yaml:"realname"`
}

// Store is a Badger-backed preference store.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open preferences database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func serverKey(name string) []byte {
	return []byte(serverPrefix + name)
}

func channelKey(server, name string) []byte {
	return []byte(channelPrefix + server + "\x00" + strings.ToLower(name))
}

func channelServerPrefix(server string) []byte {
	return []byte(channelPrefix + server + "\x00")
}

// SaveServer inserts or updates a server and stamps its last connection
// time.
func (s *Store) SaveServer(srv Server) error {
	if srv.Name == "" {
		return errors.New("server name is empty")
	}
	if srv.LastConnected.IsZero() {
		srv.LastConnected = s.now()
	}
	data, err := encode(map[string]any{
		"name":           srv.Name,
		"port":           srv.Port,
		"nick":           srv.Nick,
		"user":           srv.User,
		"realname":       srv.RealName,
		"last_connected": srv.LastConnected.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(serverKey(srv.Name), data)
	})
}

// Server loads one saved server.
func (s *Store) Server(name string) (Server, bool, error) {
	var srv Server
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(serverKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			srv, err = decodeServer(val)
			return err
		})
	})
	return srv, found, err
}

// Servers lists saved servers, most recently connected first.
func (s *Store) Servers() ([]Server, error) {
	var servers []Server
	err := s.scan([]byte(serverPrefix), func(val []byte) error {
		srv, err := decodeServer(val)
		if err != nil {
			return err
		}
		servers = append(servers, srv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].LastConnected.After(servers[j].LastConnected)
	})
	return servers, nil
}

// DeleteServer removes a server together with its channel settings.
func (s *Store) DeleteServer(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(serverKey(name)); err != nil {
			return err
		}
		keys := collectKeys(txn, channelServerPrefix(name))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveChannel inserts or updates channel settings. The server must have
// been saved first.
func (s *Store) SaveChannel(ch Channel) error {
	data, err := encode(map[string]any{
		"server":    ch.Server,
		"name":      ch.Name,
		"private":   ch.Private,
		"auto_join": ch.AutoJoin,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(serverKey(ch.Server)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("save channel %s: %w %s", ch.Name, ErrUnknownServer, ch.Server)
			}
			return err
		}
		return txn.Set(channelKey(ch.Server, ch.Name), data)
	})
}

// Channel loads the settings of one channel.
func (s *Store) Channel(server, name string) (Channel, bool, error) {
	var ch Channel
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(channelKey(server, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			ch, err = decodeChannel(val)
			return err
		})
	})
	return ch, found, err
}

// Channels lists the channel settings of server ordered by name.
func (s *Store) Channels(server string) ([]Channel, error) {
	var channels []Channel
	err := s.scan(channelServerPrefix(server), func(val []byte) error {
		ch, err := decodeChannel(val)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
		return nil
	})
	return channels, err
}

// DeleteChannel removes one channel's settings. Deleting an absent channel
// is not an error.
func (s *Store) DeleteChannel(server, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(channelKey(server, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// SaveProfile stores the default identity. User and real name fall back
// to the nickname.
func (s *Store) SaveProfile(p Profile) error {
	if p.Nick == "" {
		return errors.New("profile nickname is empty")
	}
	if p.User == "" {
		p.User = p.Nick
	}
	if p.RealName == "" {
		p.RealName = p.Nick
	}
	data, err := encode(map[string]any{
		"nick":     p.Nick,
		"user":     p.User,
		"realname": p.RealName,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(profileKey), data)
	})
}

// Profile loads the default identity.
func (s *Store) Profile() (Profile, bool, error) {
	var p Profile
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(profileKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			st, err := decode(val)
			if err != nil {
				return err
			}
			p = Profile{
				Nick:     str(st, "nick"),
				User:     str(st, "user"),
				RealName: str(st, "realname"),
			}
			return nil
		})
	})
	return p, found, err
}

func (s *Store) scan(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func collectKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func encode(fields map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*structpb.Struct, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &st, nil
}

func decodeServer(data []byte) (Server, error) {
	st, err := decode(data)
	if err != nil {
		return Server{}, err
	}
	srv := Server{
		Name:     str(st, "name"),
		Port:     int(st.GetFields()["port"].GetNumberValue()),
		Nick:     str(st, "nick"),
		User:     str(st, "user"),
		RealName: str(st, "realname"),
	}
	if ts := str(st, "last_connected"); ts != "" {
		srv.LastConnected, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Server{}, fmt.Errorf("failed to decode record: %w", err)
		}
	}
	return srv, nil
}

func decodeChannel(data []byte) (Channel, error) {
	st, err := decode(data)
	if err != nil {
		return Channel{}, err
	}
	return Channel{
		Server:   str(st, "server"),
		Name:     str(st, "name"),
		Private:  st.GetFields()["private"].GetBoolValue(),
		AutoJoin: st.GetFields()["auto_join"].GetBoolValue(),
	}, nil
}

func str(st *structpb.Struct, key string) string {
	return st.GetFields()[key].GetStringValue()
}
