package database

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order on every start.  Each statement is
// idempotent.  DATETIME(6) keeps microsecond precision so that message
// timestamps within a conversation stay strictly increasing.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            CHAR(36)     NOT NULL PRIMARY KEY,
		username      VARCHAR(64)  NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role          ENUM('user','admin') NOT NULL DEFAULT 'user',
		status        ENUM('active','pending','suspended','banned') NOT NULL DEFAULT 'active',
		token_version BIGINT       NOT NULL DEFAULT 0,
		last_seen_at  DATETIME(6)  NULL,
		created_at    DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at    DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		UNIQUE KEY uq_users_username (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id       CHAR(36)     NOT NULL,
		token_hash    CHAR(64)     NOT NULL,
		token_version BIGINT       NOT NULL,
		expires_at    DATETIME(6)  NOT NULL,
		revoked_at    DATETIME(6)  NULL,
		created_at    DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		UNIQUE KEY uq_refresh_hash (token_hash),
		KEY ix_refresh_user (user_id),
		CONSTRAINT fk_refresh_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS user_blocks (
		blocker_id CHAR(36)    NOT NULL,
		blocked_id CHAR(36)    NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (blocker_id, blocked_id),
		CONSTRAINT fk_blocks_blocker FOREIGN KEY (blocker_id) REFERENCES users(id) ON DELETE CASCADE,
		CONSTRAINT fk_blocks_blocked FOREIGN KEY (blocked_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS chat_groups (
		id         CHAR(36)     NOT NULL PRIMARY KEY,
		name       VARCHAR(128) NOT NULL,
		kind       ENUM('private','public') NOT NULL DEFAULT 'private',
		owner_id   CHAR(36)     NOT NULL,
		created_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		CONSTRAINT fk_groups_owner FOREIGN KEY (owner_id) REFERENCES users(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS group_members (
		group_id  CHAR(36)    NOT NULL,
		user_id   CHAR(36)    NOT NULL,
		role      ENUM('owner','admin','moderator','member') NOT NULL DEFAULT 'member',
		status    ENUM('active','left','kicked','banned') NOT NULL DEFAULT 'active',
		joined_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (group_id, user_id),
		KEY ix_members_user (user_id),
		CONSTRAINT fk_members_group FOREIGN KEY (group_id) REFERENCES chat_groups(id) ON DELETE CASCADE,
		CONSTRAINT fk_members_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id            CHAR(36)    NOT NULL PRIMARY KEY,
		kind          ENUM('direct','group') NOT NULL,
		group_id      CHAR(36)    NULL,
		direct_key    VARCHAR(80) NULL,
		last_seq      BIGINT      NOT NULL DEFAULT 0,
		created_at    DATETIME(6) NOT NULL,
		last_activity DATETIME(6) NOT NULL,
		deleted       TINYINT(1)  NOT NULL DEFAULT 0,
		deleted_at    DATETIME(6) NULL,
		UNIQUE KEY uq_conversations_direct (direct_key),
		UNIQUE KEY uq_conversations_group (group_id),
		CONSTRAINT fk_conversations_group FOREIGN KEY (group_id) REFERENCES chat_groups(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id CHAR(36)    NOT NULL,
		user_id         CHAR(36)    NOT NULL,
		joined_at       DATETIME(6) NOT NULL,
		last_read_at    DATETIME(6) NULL,
		last_read_seq   BIGINT      NOT NULL DEFAULT 0,
		unread_count    INT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY (conversation_id, user_id),
		KEY ix_participants_user (user_id),
		CONSTRAINT fk_participants_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		CONSTRAINT fk_participants_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              VARCHAR(20)  NOT NULL PRIMARY KEY,
		conversation_id CHAR(36)     NOT NULL,
		sender_id       CHAR(36)     NOT NULL,
		seq             BIGINT       NOT NULL,
		kind            ENUM('text','image','file','audio','video','system') NOT NULL,
		content         TEXT         NOT NULL,
		reply_to        VARCHAR(20)  NULL,
		forwarded_from  VARCHAR(20)  NULL,
		edited          TINYINT(1)   NOT NULL DEFAULT 0,
		edited_at       DATETIME(6)  NULL,
		deleted         TINYINT(1)   NOT NULL DEFAULT 0,
		deleted_at      DATETIME(6)  NULL,
		created_at      DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_messages_seq (conversation_id, seq),
		KEY ix_messages_sender (sender_id),
		CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS attachments (
		id           CHAR(36)     NOT NULL PRIMARY KEY,
		owner_id     CHAR(36)     NOT NULL,
		message_id   VARCHAR(20)  NULL,
		blob_ref     VARCHAR(512) NOT NULL,
		kind         ENUM('image','audio','video','document') NOT NULL,
		content_type VARCHAR(128) NOT NULL DEFAULT '',
		size_bytes   BIGINT       NOT NULL,
		width        INT          NULL,
		height       INT          NULL,
		duration_ms  BIGINT       NULL,
		codec        VARCHAR(64)  NULL,
		thumbnail    VARCHAR(512) NULL,
		created_at   DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		KEY ix_attachments_message (message_id),
		CONSTRAINT fk_attachments_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		topic           VARCHAR(128) NOT NULL,
		body            MEDIUMBLOB   NOT NULL,
		attempts        INT          NOT NULL DEFAULT 0,
		next_attempt_at DATETIME(6)  NOT NULL,
		created_at      DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		KEY ix_outbox_due (next_attempt_at),
		KEY ix_outbox_topic (topic, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate applies the schema.  It stops at the first failing statement.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
