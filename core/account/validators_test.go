package account

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
)

func TestValidatePassword(t *testing.T) {
	acc := Account{Name: "Grace Hopper", Username: "cs2024", Email: "grace@test.cd"}

	tests := []struct {
		name    string
		pwd     string
		wantErr string
	}{
		{name: "too short", pwd: "Ab1!", wantErr: pwdMinLenText},
		{name: "whitespace", pwd: "Abcd 12!xy", wantErr: pwdNoSpaceText},
		{name: "all numeric", pwd: "1234567890", wantErr: pwdNotAllNumText},
		{name: "no special", pwd: "Abcdefg123", wantErr: pwdComplexityText},
		{name: "no upper", pwd: "abcdef12!x", wantErr: pwdComplexityText},
		{name: "similar to name", pwd: "Gracehopper1!", wantErr: pwdAttrSimText},
		{name: "valid", pwd: strongPwd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.pwd, acc)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidatePassword() = %v; want nil", err)
				}
				return
			}
			var verr *core.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidatePassword() = %v; want *core.ValidationError", err)
			}
			if len(verr.Fields) != 1 || verr.Fields[0].Field != "password" || verr.Fields[0].Error != tt.wantErr {
				t.Errorf("ValidatePassword() fields = %v; want [{password %s}]", verr.Fields, tt.wantErr)
			}
		})
	}
}
