package echoapi

import (
	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
)

type (
	LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token   string          `json:"token"`
		Account account.Account `json:"account"`
	}

	TokenResponse struct {
		Token string `json:"token"`
	}

	StatusRequest struct {
		Status string `json:"status" validate:"required"`
	}

	ReviewRequest struct {
		Remark string `json:"remark"`
	}

	LikeResponse struct {
		Liked bool `json:"liked"`
	}

	SubjectRequest struct {
		Name string `json:"name" validate:"required"`
	}

	RenameResponse struct {
		Name  string `json:"name"`
		Moved int    `json:"moved"` // lectures moved to the new name
	}

	CountResponse struct {
		Count int `json:"count"`
	}
)

func (r *LoginRequest) Validate() error {
	r.Username = core.CleanString(r.Username, true /* lower */)
	return core.ValidateStruct(r)
}

func (r *StatusRequest) Validate() error {
	r.Status = core.CleanString(r.Status, true /* lower */)
	return core.ValidateStruct(r)
}

func (r *SubjectRequest) Validate() error {
	r.Name = core.CleanString(r.Name)
	return core.ValidateStruct(r)
}
