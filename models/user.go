package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleAdmin  UserRole = "A"
	UserRoleMember UserRole = "M"
)

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:100;not null;unique" json:"email" binding:"required,email"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Role      UserRole  `gorm:"type:enum('A', 'M');default:M" json:"role"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}

var ErrInvalidCredentials = errors.New("invalid email or password")

// Login verifies credentials and returns a signed token. Failures land in
// the security event log but the caller only sees ErrInvalidCredentials.
func Login(ctx context.Context, email string, password string, originAddress string, agentString string) (string, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RecordSecurityEvent(ctx, SecurityEventLoginFailed,
				map[string]interface{}{"email": email, "reason": "unknown email"},
				originAddress, agentString)
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if user.IsActive != nil && !*user.IsActive {
		RecordSecurityEvent(ctx, SecurityEventLoginFailed,
			map[string]interface{}{"email": email, "reason": "inactive user"},
			originAddress, agentString)
		return "", ErrInvalidCredentials
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		RecordSecurityEvent(ctx, SecurityEventLoginFailed,
			map[string]interface{}{"email": email, "reason": "wrong password"},
			originAddress, agentString)
		return "", ErrInvalidCredentials
	}

	// Drop any cached copy so role/active changes take effect on the next
	// authenticated request.
	if err := config.DeleteRedisKey("user:" + strconv.Itoa(user.ID)); err != nil {
		config.LogError(config.GetLogger(), "user.go", "Login", "DeleteRedisKey", user.ID, err)
	}

	return utils.JwtGenerate(user.ID, string(user.Role))
}

func GetUserById(ctx context.Context, userId int) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("id = ?", userId).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}
