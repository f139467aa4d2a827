// Package validation 提供入口参数校验，错误码统一为 INVALID_INPUT
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"ordersaga/errors"
)

// ValidateStringLength 验证字符串长度（按字符计），max 为 0 表示不限制
func ValidateStringLength(value, fieldName string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if length < min {
		return errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s长度不能少于%d个字符（当前%d）", fieldName, min, length))
	}
	if max > 0 && length > max {
		return errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s长度不能超过%d个字符（当前%d）", fieldName, max, length))
	}
	return nil
}

// ValidateRequired 验证必填字段
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("%s不能为空", fieldName))
	}
	return nil
}

// ValidateID 验证ID有效性
func ValidateID(id int64, fieldName string) error {
	if id <= 0 {
		return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("%s必须为正整数", fieldName))
	}
	return nil
}

// ValidateOptionalID 可选 ID 为空时通过，否则必须为正
func ValidateOptionalID(id *int64, fieldName string) error {
	if id == nil {
		return nil
	}
	return ValidateID(*id, fieldName)
}

// ValidateNonNegative 验证非负数
func ValidateNonNegative(value int64, fieldName string) error {
	if value < 0 {
		return errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s不能为负数（当前%d）", fieldName, value))
	}
	return nil
}

// First 返回第一个非 nil 错误
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
