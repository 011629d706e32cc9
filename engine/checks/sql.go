package checks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"gameserver/engine/checker"
	"gameserver/engine/netio"
)

// mysqlNet is the network name the mysql driver resolves to netio.
const mysqlNet = "gameserver"

func init() {
	mysql.RegisterDialContext(mysqlNet, func(ctx context.Context, addr string) (net.Conn, error) {
		return netio.Dial(ctx, "tcp", addr)
	})
	checker.Register("sql", func(s *checker.Service) (checker.Checker, error) {
		c := &Sql{Service: newService(s, 0)}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Sql keeps flags as rows of Table in a MySQL or PostgreSQL database.
type Sql struct {
	Service
	Kind     string
	Database string
	Table    string
}

func (c *Sql) Verify() error {
	c.Kind = c.Config.Option("kind", "mysql")
	c.Database = c.Config.Option("database", "")
	c.Table = c.Config.Option("table", "flags")
	if c.Port == 0 {
		switch c.Kind {
		case "mysql":
			c.Port = 3306
		case "postgres":
			c.Port = 5432
		}
	}
	if c.Kind != "mysql" && c.Kind != "postgres" {
		return fmt.Errorf("service %s: unsupported sql kind %q", c.Name(), c.Kind)
	}
	if !identifier.MatchString(c.Table) {
		return fmt.Errorf("service %s: invalid table name %q", c.Name(), c.Table)
	}
	if c.Username == "" {
		return errors.New("sql needs a username option")
	}
	return c.Configure()
}

// pqDialer routes lib/pq connections through netio.
type pqDialer struct{ ctx context.Context }

func (d pqDialer) Dial(network, addr string) (net.Conn, error) {
	return netio.Dial(d.ctx, network, addr)
}

func (d pqDialer) DialTimeout(network, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()
	return netio.DialContextFunc(d.ctx)(ctx, network, addr)
}

func (c *Sql) open(ctx context.Context, team checker.Team) (*sql.DB, error) {
	switch c.Kind {
	case "postgres":
		dsn := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     c.addr(team),
			Path:     "/" + c.Database,
			RawQuery: "sslmode=disable&connect_timeout=" + strconv.Itoa(int(netio.Timeout(ctx).Seconds())),
		}
		connector, err := pq.NewConnector(dsn.String())
		if err != nil {
			return nil, err
		}
		connector.Dialer(pqDialer{ctx: ctx})
		return sql.OpenDB(connector), nil
	default:
		cfg := mysql.NewConfig()
		cfg.User = c.Username
		cfg.Passwd = c.Password
		cfg.Net = mysqlNet
		cfg.Addr = c.addr(team)
		cfg.DBName = c.Database
		cfg.Timeout = netio.Timeout(ctx)
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, err
		}
		return sql.OpenDB(connector), nil
	}
}

// placeholder returns the n-th bind parameter in the driver's syntax.
func (c *Sql) placeholder(n int) string {
	if c.Kind == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// connect opens the database and pings it; login errors are MUMBLE.
func (c *Sql) connect(ctx context.Context, team checker.Team) (*sql.DB, error) {
	db, err := c.open(ctx, team)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if outcome, _ := checker.Classify(err); outcome == checker.OutcomeOffline {
			return nil, checker.WrapOffline(err, "db connection failed")
		}
		return nil, checker.WrapMumble(err, "db login failed for "+c.Username)
	}
	return db, nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close sql database", "error", err)
	}
}

func (c *Sql) CheckIntegrity(ctx context.Context, team checker.Team, tick int) error {
	db, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer closeDB(db)

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return checker.WrapMumble(err, "could not query db")
	}
	return checker.AssertEquals(1, one)
}

func (c *Sql) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	db, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer closeDB(db)

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name VARCHAR(128) PRIMARY KEY, content TEXT NOT NULL)", c.Table)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return checker.WrapMumble(err, "could not create table "+c.Table)
	}
	insert := fmt.Sprintf("INSERT INTO %s (name, content) VALUES (%s, %s)", c.Table, c.placeholder(1), c.placeholder(2))
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.locator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, insert, name, c.Flag(team, tick, payload)); err != nil {
			return checker.WrapMumble(err, "could not insert flag row")
		}
		return nil
	})
}

func (c *Sql) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	db, err := c.connect(ctx, team)
	if err != nil {
		return err
	}
	defer closeDB(db)

	query := fmt.Sprintf("SELECT content FROM %s WHERE name = %s", c.Table, c.placeholder(1))
	return c.eachPayload(tick, func(payload int) error {
		name, err := c.storedLocator(ctx, team, tick, payload)
		if err != nil {
			return err
		}
		var content string
		err = db.QueryRowContext(ctx, query, name).Scan(&content)
		if errors.Is(err, sql.ErrNoRows) {
			return checker.WrapFlagMissing(err, "row "+name+" is gone")
		}
		if err != nil {
			return checker.WrapMumble(err, "could not query db with "+query)
		}
		return expectFlag(ctx, content, c.Flag(team, tick, payload), "row "+name)
	})
}
