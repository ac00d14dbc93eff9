package profileevents

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultChannel is the NOTIFY channel used when none is configured.
const DefaultChannel = "profile_changes"

var (
	errInvalidChannel = errors.New("profile_events.invalid_channel")

	channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

// Execer is satisfied by *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// ValidateChannel checks that channel is a plain lower-case identifier.
func ValidateChannel(channel string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("%w: %q", errInvalidChannel, channel)
	}
	return nil
}

// EnsureNotifyTrigger installs a trigger on the profiles table that publishes
// {"uid": ..., "event": ...} on channel for every insert, update and delete.
func EnsureNotifyTrigger(ctx context.Context, execer Execer, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return fmt.Errorf("profile_events.schema: %w", err)
	}
	_, err := execer.Exec(ctx, notifyTriggerSQL(channel))
	if err != nil {
		return fmt.Errorf("profile_events.schema: %w", err)
	}
	return nil
}

func notifyTriggerSQL(channel string) string {
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_profile_change() RETURNS trigger AS $$
DECLARE
    subject TEXT;
    change TEXT;
BEGIN
    IF TG_OP = 'DELETE' THEN
        subject := OLD.uid;
        change := '%[2]s';
    ELSIF TG_OP = 'UPDATE' AND NEW.email IS DISTINCT FROM OLD.email THEN
        subject := NEW.uid;
        change := '%[3]s';
    ELSE
        subject := NEW.uid;
        change := '%[4]s';
    END IF;
    PERFORM pg_notify('%[1]s', json_build_object('uid', subject, 'event', change)::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS profiles_notify_change ON profiles;
CREATE TRIGGER profiles_notify_change
    AFTER INSERT OR UPDATE OR DELETE ON profiles
    FOR EACH ROW EXECUTE FUNCTION notify_profile_change();
`, channel, EventDelete, EventPrimaryEmailChanged, EventProfileDataChange)
}
