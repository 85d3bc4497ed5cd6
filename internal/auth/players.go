package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Player is a registered account allowed to open game sessions.
type Player struct {
	ID        string     `gorm:"primaryKey;type:uuid" json:"id"`
	Handle    string     `gorm:"uniqueIndex;not null" json:"handle"`
	TokenHash string     `gorm:"column:token_hash;not null" json:"-"`
	Banned    bool       `gorm:"default:false;not null" json:"banned"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// BeforeCreate sets the UUID before inserting a Player.
func (p *Player) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return
}

func (Player) TableName() string {
	return "players"
}

// PlayerRepository defines the player lookups the authenticator needs.
type PlayerRepository interface {
	Create(ctx context.Context, player *Player) error
	FindByID(ctx context.Context, id string) (*Player, error)
	FindByHandle(ctx context.Context, handle string) (*Player, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

type playerRepository struct {
	db *gorm.DB
}

// NewPlayerRepository returns the GORM implementation of PlayerRepository.
func NewPlayerRepository(db *gorm.DB) PlayerRepository {
	return &playerRepository{db: db}
}

// Migrate creates or updates the players table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Player{})
}

func (r *playerRepository) Create(ctx context.Context, player *Player) error {
	return r.db.WithContext(ctx).Create(player).Error
}

func (r *playerRepository) FindByID(ctx context.Context, id string) (*Player, error) {
	var player Player
	// return nil on error so a zero-value player is never mistaken for a hit
	if err := r.db.WithContext(ctx).First(&player, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &player, nil
}

func (r *playerRepository) FindByHandle(ctx context.Context, handle string) (*Player, error) {
	var player Player
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&player).Error; err != nil {
		return nil, err
	}
	return &player, nil
}

func (r *playerRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Player{}).Where("id = ?", id).Update("last_login", at).Error
}

// DatabaseAuthenticator resolves Identity.id as a player handle and checks
// the token against the stored bcrypt hash.
type DatabaseAuthenticator struct {
	players PlayerRepository
	logger  *slog.Logger
}

func NewDatabaseAuthenticator(players PlayerRepository, logger *slog.Logger) *DatabaseAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseAuthenticator{players: players, logger: logger}
}

func (a *DatabaseAuthenticator) Authenticate(ctx context.Context, frame []byte) (Principal, error) {
	identity, err := ParseIdentity(frame)
	if err != nil {
		return Principal{}, err
	}

	player, err := a.players.FindByHandle(ctx, identity.PlayerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, Reject("invalid credentials")
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: lookup player %q: %w", identity.PlayerID, err)
	}
	if !tokenMatches(player.TokenHash, identity.Token) {
		return Principal{}, Reject("invalid credentials")
	}
	if player.Banned {
		return Principal{}, Reject("player is banned")
	}

	if err := a.players.TouchLastLogin(ctx, player.ID, time.Now()); err != nil {
		// a stale last_login must not block the login itself
		a.logger.Warn("player_last_login_update_failed",
			"player_id", player.ID,
			"error", err.Error(),
		)
	}
	return Principal{ID: player.ID, Name: player.Handle}, nil
}
