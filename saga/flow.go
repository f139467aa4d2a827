package saga

import "fmt"

// 决策表：步骤迁移只取决于 (当前步骤, HasCoupon, HasPoints)，与状态和 I/O 无关。
// 返回 StepNone 表示没有下一步（正向为完成，补偿为全部撤销）。

// InitialStep 第一个步骤永远是库存
func InitialStep(Payload) Step {
	return StepProduct
}

// Next 返回正向执行的下一步，跳过快照中不需要的步骤
func Next(step Step, p Payload) (Step, error) {
	switch step {
	case StepProduct:
		switch {
		case p.HasCoupon():
			return StepCoupon, nil
		case p.HasPoints():
			return StepUser, nil
		default:
			return StepPayment, nil
		}
	case StepCoupon:
		if p.HasPoints() {
			return StepUser, nil
		}
		return StepPayment, nil
	case StepUser:
		return StepPayment, nil
	case StepPayment:
		return StepNone, nil
	}
	return StepNone, fmt.Errorf("%w: %q", ErrUnknownStep, step)
}

// NextCompensation 返回在 step 之前已执行、需要撤销的步骤
//
// 对任意快照，NextCompensation 依次访问的步骤恰好是 Next 依次访问步骤的逆序。
func NextCompensation(step Step, p Payload) (Step, error) {
	switch step {
	case StepProduct:
		return StepNone, nil
	case StepCoupon:
		return StepProduct, nil
	case StepUser:
		if p.HasCoupon() {
			return StepCoupon, nil
		}
		return StepProduct, nil
	case StepPayment:
		switch {
		case p.HasPoints():
			return StepUser, nil
		case p.HasCoupon():
			return StepCoupon, nil
		default:
			return StepProduct, nil
		}
	}
	return StepNone, fmt.Errorf("%w: %q", ErrUnknownStep, step)
}

// ForwardPath 按执行顺序列出快照需要的全部步骤
func ForwardPath(p Payload) []Step {
	path := []Step{}
	for step := InitialStep(p); step != StepNone; {
		path = append(path, step)
		next, err := Next(step, p)
		if err != nil {
			break
		}
		step = next
	}
	return path
}
